// Package redisstream is a Redis-backed realtime driver. Broadcasts travel
// over watermill Redis streams in fan-out mode; presence lives in TTL'd keys
// and changes are announced on a second stream.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/pkg/logger"
	"github.com/danghamo/cozyfocus/pkg/redisx"
)

const metadataSender = "sender"

// Config tunes presence expiry
type Config struct {
	// KeyPrefix namespaces streams and presence keys
	KeyPrefix         string
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock
}

// Client opens Redis-backed channels sharing one publisher
type Client struct {
	redis     *redisx.Client
	publisher message.Publisher
	wlog      watermill.LoggerAdapter
	logger    *logger.Logger
	cfg       Config
}

// NewClient creates a client on an existing Redis connection
func NewClient(rdb *redisx.Client, cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cozyfocus"
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.PresenceTTL {
		cfg.HeartbeatInterval = cfg.PresenceTTL / 3
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	log = log.WithComponent("realtime.redis")
	wlog := NewLoggerAdapter(log)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: rdb.Client,
		},
		wlog,
	)
	if err != nil {
		return nil, realtime.TransportFailure(err, "create publisher", "")
	}

	return &Client{
		redis:     rdb,
		publisher: publisher,
		wlog:      wlog,
		logger:    log,
		cfg:       cfg,
	}, nil
}

// Channel opens a connection to room
func (c *Client) Channel(room string, opts realtime.ChannelOptions) realtime.Channel {
	connID := uuid.NewString()
	key := opts.PresenceKey
	if key == "" {
		key = connID
	}
	return &channel{
		client: c,
		room:   room,
		key:    key,
		connID: connID,
		logger: c.logger.WithRoom(room).WithPeerID(key),
	}
}

// Close closes the shared publisher
func (c *Client) Close() error {
	return c.publisher.Close()
}

// HealthCheck pings Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.redis.HealthCheck(ctx)
}

func (c *Client) broadcastTopic(room string) string {
	return fmt.Sprintf("%s:%s:broadcast", c.cfg.KeyPrefix, room)
}

func (c *Client) presenceTopic(room string) string {
	return fmt.Sprintf("%s:%s:presence-changed", c.cfg.KeyPrefix, room)
}

func (c *Client) presenceKey(room, key, connID string) string {
	return fmt.Sprintf("%s:%s:presence:%s:%s", c.cfg.KeyPrefix, room, key, connID)
}

func (c *Client) presencePattern(room string) string {
	return fmt.Sprintf("%s:%s:presence:*", c.cfg.KeyPrefix, room)
}

// trackedEntry is the value stored under a presence key
type trackedEntry struct {
	Key      string            `json:"key"`
	Presence realtime.Presence `json:"presence"`
}

type channel struct {
	client *Client
	room   string
	key    string
	connID string
	logger *logger.Logger

	handlers realtime.Handlers

	mu         sync.Mutex
	subscribed bool
	presence   *realtime.Presence
	lastState  realtime.PresenceState
	subscriber message.Subscriber
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func (c *channel) Subscribe(ctx context.Context, onStatus func(realtime.Status)) error {
	report := func(s realtime.Status) {
		if onStatus != nil {
			onStatus(s)
		}
	}

	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:   c.client.redis.Client,
			Consumer: c.connID,
		},
		c.client.wlog,
	)
	if err != nil {
		report(realtime.StatusChannelError)
		return realtime.TransportFailure(err, "create subscriber", c.room)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	broadcasts, err := subscriber.Subscribe(runCtx, c.client.broadcastTopic(c.room))
	if err != nil {
		cancel()
		_ = subscriber.Close()
		report(realtime.StatusChannelError)
		return realtime.TransportFailure(err, "subscribe broadcast", c.room)
	}
	changes, err := subscriber.Subscribe(runCtx, c.client.presenceTopic(c.room))
	if err != nil {
		cancel()
		_ = subscriber.Close()
		report(realtime.StatusChannelError)
		return realtime.TransportFailure(err, "subscribe presence", c.room)
	}

	c.mu.Lock()
	c.subscribed = true
	c.subscriber = subscriber
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go c.consumeBroadcasts(broadcasts)
	go c.consumePresenceChanges(runCtx, changes)
	go c.heartbeat(runCtx)

	c.logger.Info("Subscribed to room", zap.String("conn_id", c.connID))
	report(realtime.StatusSubscribed)

	if err := c.syncPresence(ctx, true); err != nil {
		c.logger.Warn("Initial presence sync failed", zap.Error(err))
	}
	return nil
}

func (c *channel) Track(ctx context.Context, p realtime.Presence) error {
	if !c.isSubscribed() {
		return realtime.ErrNotSubscribed(c.room)
	}

	c.mu.Lock()
	c.presence = &p
	c.mu.Unlock()

	if err := c.writePresence(ctx, p); err != nil {
		return err
	}
	return c.publishPresenceChanged(ctx)
}

func (c *channel) OnPresenceSync(fn func(realtime.PresenceState)) {
	c.handlers.OnPresenceSync(fn)
}

func (c *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if !c.isSubscribed() {
		return realtime.ErrNotSubscribed(c.room)
	}
	raw, err := realtime.MarshalPayload(payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(realtime.Envelope{Event: event, Sender: c.connID, Payload: raw})
	if err != nil {
		return realtime.TransportFailure(err, "encode envelope", c.room)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(metadataSender, c.connID)
	msg.SetContext(ctx)

	if err := c.client.publisher.Publish(c.client.broadcastTopic(c.room), msg); err != nil {
		return realtime.TransportFailure(err, "publish broadcast", c.room)
	}
	return nil
}

func (c *channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.handlers.OnBroadcast(event, fn)
}

func (c *channel) PresenceState() realtime.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState == nil {
		return realtime.PresenceState{}
	}
	return c.lastState.Clone()
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	tracked := c.presence != nil
	c.presence = nil
	cancel, subscriber := c.cancel, c.subscriber
	c.mu.Unlock()

	c.handlers.Close()
	cancel()
	closeErr := subscriber.Close()
	c.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if tracked {
		if _, err := c.client.redis.DelWithLogging(ctx, c.client.presenceKey(c.room, c.key, c.connID)); err != nil {
			c.logger.Warn("Failed to remove presence", zap.Error(err))
		}
		if err := c.publishPresenceChanged(ctx); err != nil {
			c.logger.Warn("Failed to announce leave", zap.Error(err))
		}
	}

	c.logger.Info("Unsubscribed from room", zap.String("conn_id", c.connID))
	if closeErr != nil {
		return realtime.TransportFailure(closeErr, "close subscriber", c.room)
	}
	return nil
}

func (c *channel) consumeBroadcasts(msgs <-chan *message.Message) {
	defer c.wg.Done()
	for msg := range msgs {
		msg.Ack()
		if msg.Metadata.Get(metadataSender) == c.connID {
			continue
		}

		var env realtime.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			c.logger.Debug("Dropping malformed broadcast", zap.String("message_id", msg.UUID), zap.Error(err))
			continue
		}
		c.handlers.EmitBroadcast(env.Event, env.Payload)
	}
}

func (c *channel) consumePresenceChanges(ctx context.Context, msgs <-chan *message.Message) {
	defer c.wg.Done()
	for msg := range msgs {
		msg.Ack()
		if err := c.syncPresence(ctx, false); err != nil && ctx.Err() == nil {
			c.logger.Warn("Presence sync failed", zap.Error(err))
		}
	}
}

// heartbeat keeps the tracked key alive and notices peers whose keys expired
func (c *channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.client.cfg.Clock.NewTicker(c.client.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.mu.Lock()
			p := c.presence
			c.mu.Unlock()

			if p != nil {
				if err := c.writePresence(ctx, *p); err != nil && ctx.Err() == nil {
					c.logger.Warn("Presence refresh failed", zap.Error(err))
				}
			}
			if err := c.syncPresence(ctx, false); err != nil && ctx.Err() == nil {
				c.logger.Warn("Presence sync failed", zap.Error(err))
			}
		}
	}
}

func (c *channel) writePresence(ctx context.Context, p realtime.Presence) error {
	data, err := json.Marshal(trackedEntry{Key: c.key, Presence: p})
	if err != nil {
		return realtime.TransportFailure(err, "encode presence", c.room)
	}
	key := c.client.presenceKey(c.room, c.key, c.connID)
	if err := c.client.redis.SetWithExpiration(ctx, key, data, c.client.cfg.PresenceTTL); err != nil {
		return realtime.TransportFailure(err, "track", c.room)
	}
	return nil
}

func (c *channel) publishPresenceChanged(ctx context.Context) error {
	msg := message.NewMessage(uuid.NewString(), nil)
	msg.Metadata.Set(metadataSender, c.connID)
	msg.SetContext(ctx)
	if err := c.client.publisher.Publish(c.client.presenceTopic(c.room), msg); err != nil {
		return realtime.TransportFailure(err, "publish presence change", c.room)
	}
	return nil
}

// syncPresence reloads the aggregate and emits it when it changed or force is set
func (c *channel) syncPresence(ctx context.Context, force bool) error {
	state, err := c.loadPresence(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	changed := !reflect.DeepEqual(state, c.lastState)
	c.lastState = state
	c.mu.Unlock()

	if changed || force {
		c.handlers.EmitPresence(state)
	}
	return nil
}

func (c *channel) loadPresence(ctx context.Context) (realtime.PresenceState, error) {
	keys, err := c.client.redis.ScanKeys(ctx, c.client.presencePattern(c.room))
	if err != nil {
		return nil, realtime.TransportFailure(err, "scan presence", c.room)
	}
	values, err := c.client.redis.MGetStrings(ctx, keys...)
	if err != nil {
		return nil, realtime.TransportFailure(err, "read presence", c.room)
	}

	state := make(realtime.PresenceState)
	for _, v := range values {
		var entry trackedEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil || entry.Key == "" {
			continue
		}
		state[entry.Key] = append(state[entry.Key], entry.Presence)
	}
	for _, entries := range state {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].UpdatedAt < entries[j].UpdatedAt })
	}
	return state, nil
}

func (c *channel) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}
