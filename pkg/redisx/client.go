package redisx

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

const pingTimeout = 5 * time.Second

// Client wraps redis.Client with logging helpers
type Client struct {
	*redis.Client
	url    string
	logger *logger.Logger
}

// ClientOption represents an option for creating a new Redis client
type ClientOption func(*clientOptions)

type clientOptions struct {
	usePrivateDB bool
}

// WithPrivate enables private DB isolation for development environments.
// A unique DB number is assigned per hostname.
func WithPrivate() ClientOption {
	return func(opts *clientOptions) {
		opts.usePrivateDB = true
	}
}

// NewClient creates a new Redis client from URL with options
func NewClient(redisURL string, log *logger.Logger, opts ...ClientOption) (*Client, error) {
	errb := oops.In("redisx").Code("TRANSPORT_FAILURE")
	if redisURL == "" {
		return nil, errb.Errorf("redis URL cannot be empty")
	}

	if log == nil {
		log = logger.NewNop()
	}

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	finalURL := redisURL
	if options.usePrivateDB {
		var err error
		finalURL, err = PrivateUrl(redisURL)
		if err != nil {
			return nil, errb.Wrapf(err, "failed to get private URL")
		}
	}

	redisOptions, err := redis.ParseURL(finalURL)
	if err != nil {
		return nil, errb.Wrapf(err, "failed to parse Redis URL")
	}

	client := &Client{
		Client: redis.NewClient(redisOptions),
		url:    finalURL,
		logger: log.WithComponent("redisx"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Client.Close()
		return nil, errb.With("addr", redisOptions.Addr).Wrapf(err, "failed to connect to Redis")
	}

	logFields := []zap.Field{
		zap.String("addr", redisOptions.Addr),
		zap.Int("db", redisOptions.DB),
		zap.Int("pool_size", redisOptions.PoolSize),
	}
	if options.usePrivateDB {
		logFields = append(logFields, zap.Bool("private_db", true))
	}

	client.logger.Info("Redis client connected successfully", logFields...)

	return client, nil
}

// URL returns the effective connection URL
func (c *Client) URL() string {
	return c.url
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.Client.Close()
}

// HealthCheck performs a health check on the Redis connection
func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now()
	err := c.Ping(ctx).Err()
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("Redis health check failed",
			zap.Error(err),
			zap.Duration("duration", duration),
		)
		return err
	}

	c.logger.Debug("Redis health check passed",
		zap.Duration("duration", duration),
	)

	return nil
}

// SetWithExpiration sets a key-value pair with expiration
func (c *Client) SetWithExpiration(ctx context.Context, key string, value any, expiration time.Duration) error {
	start := time.Now()
	err := c.Set(ctx, key, value, expiration).Err()
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("Failed to set key with expiration",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	c.logger.Debug("Set key with expiration",
		zap.String("key", key),
		zap.Duration("expiration", expiration),
		zap.Duration("duration", duration),
	)

	return nil
}

// DelWithLogging deletes keys with logging
func (c *Client) DelWithLogging(ctx context.Context, keys ...string) (int64, error) {
	start := time.Now()
	result := c.Del(ctx, keys...)
	duration := time.Since(start)

	if result.Err() != nil {
		c.logger.Error("Failed to delete keys",
			zap.Strings("keys", keys),
			zap.Duration("duration", duration),
			zap.Error(result.Err()),
		)
		return 0, result.Err()
	}

	c.logger.Debug("Deleted keys",
		zap.Strings("keys", keys),
		zap.Int64("deleted_count", result.Val()),
		zap.Duration("duration", duration),
	)

	return result.Val(), nil
}

// ScanKeys collects every key matching pattern using SCAN
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Error("Failed to scan keys",
				zap.String("pattern", pattern),
				zap.Error(err),
			)
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// MGetStrings reads keys in one round trip. Missing keys are skipped.
func (c *Client) MGetStrings(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("Failed to read keys",
			zap.Int("key_count", len(keys)),
			zap.Error(err),
		)
		return nil, err
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// PrivateUrl provides development isolation by assigning unique DB numbers based on hostname.
// Redis DB 0 stores the hostname to DB mapping and the auto-increment counter.
func PrivateUrl(redisURL string) (string, error) {
	if redisURL == "" {
		return "", oops.In("redisx").Errorf("redis URL cannot be empty")
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", oops.In("redisx").Wrapf(err, "failed to get hostname")
	}

	return privateUrlWithHostname(redisURL, hostname)
}

func privateUrlWithHostname(redisURL, hostname string) (string, error) {
	errb := oops.In("redisx").With("hostname", hostname)
	if redisURL == "" {
		return "", errb.Errorf("redis URL cannot be empty")
	}
	if hostname == "" {
		return "", errb.Errorf("hostname cannot be empty")
	}

	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return "", errb.Wrapf(err, "failed to parse Redis URL")
	}

	db0URL := *parsedURL
	db0URL.Path = "/0"

	options, err := redis.ParseURL(db0URL.String())
	if err != nil {
		return "", errb.Wrapf(err, "failed to parse Redis URL")
	}

	rdb := redis.NewClient(options)
	defer rdb.Close()

	ctx := context.Background()

	dbNumber, err := rdb.HGet(ctx, "private_db", hostname).Result()
	if errors.Is(err, redis.Nil) {
		// DB 0 is reserved for the mapping itself, numbering starts at 1
		nextDB, err := rdb.HIncrBy(ctx, "private_db:counter", "next", 1).Result()
		if err != nil {
			return "", errb.Wrapf(err, "failed to get next DB number")
		}

		if err := rdb.HSet(ctx, "private_db", hostname, nextDB).Err(); err != nil {
			return "", errb.Wrapf(err, "failed to assign DB to hostname")
		}

		dbNumber = strconv.FormatInt(nextDB, 10)
	} else if err != nil {
		return "", errb.Wrapf(err, "failed to check existing DB assignment")
	}

	newURL := *parsedURL
	newURL.Path = "/" + dbNumber

	return newURL.String(), nil
}
