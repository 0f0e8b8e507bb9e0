// Package natsbus is a realtime driver on NATS core pub/sub. Broadcasts use
// one subject per room; presence is gossiped on a second subject with
// heartbeats, explicit leaves and TTL eviction.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Config configures the NATS connection and presence gossip
type Config struct {
	URL               string
	SubjectPrefix     string
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
	Clock             clockwork.Clock
}

// DefaultConfig returns default NATS driver configuration
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		SubjectPrefix:     "cozyfocus",
		PresenceTTL:       10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
	}
}

const (
	kindTrack = "track"
	kindLeave = "leave"
	kindHello = "hello"
)

// presenceMessage is gossiped on the presence subject
type presenceMessage struct {
	Kind     string             `json:"kind"`
	Conn     string             `json:"conn"`
	Key      string             `json:"key,omitempty"`
	Presence *realtime.Presence `json:"presence,omitempty"`
}

// Client opens channels on one NATS connection
type Client struct {
	nc     *nats.Conn
	cfg    Config
	logger *logger.Logger
}

// Connect dials NATS
func Connect(cfg Config, log *logger.Logger) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaults.PresenceTTL
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.PresenceTTL {
		cfg.HeartbeatInterval = cfg.PresenceTTL / 3
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaults.MaxReconnects
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	log = log.WithComponent("realtime.nats")

	opts := []nats.Option{
		nats.Name("cozyfocus"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, realtime.TransportFailure(err, "connect", "")
	}

	log.Info("NATS client connected", zap.String("url", nc.ConnectedUrl()))
	return &Client{nc: nc, cfg: cfg, logger: log}, nil
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
		roster: newRoster(c.cfg.Clock, c.cfg.PresenceTTL),
		logger: c.logger.WithRoom(room).WithPeerID(key),
	}
}

// Close drains and closes the connection
func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return realtime.TransportFailure(err, "drain", "")
	}
	return nil
}

// HealthCheck reports whether the connection is up
func (c *Client) HealthCheck(ctx context.Context) error {
	if status := c.nc.Status(); status != nats.CONNECTED {
		return realtime.TransportFailure(fmt.Errorf("connection status %s", status), "health check", "")
	}
	return nil
}

func (c *Client) subject(room, kind string) string {
	return fmt.Sprintf("%s.%s.%s", c.cfg.SubjectPrefix, subjectToken(room), kind)
}

// subjectToken makes room usable as one subject token
func subjectToken(room string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, room)
}

type channel struct {
	client *Client
	room   string
	key    string
	connID string
	roster *roster
	logger *logger.Logger

	handlers realtime.Handlers

	mu         sync.Mutex
	subscribed bool
	presence   *realtime.Presence
	subs       []*nats.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func (c *channel) Subscribe(ctx context.Context, onStatus func(realtime.Status)) error {
	report := func(s realtime.Status) {
		if onStatus != nil {
			onStatus(s)
		}
	}

	broadcastSub, err := c.client.nc.Subscribe(c.client.subject(c.room, "broadcast"), c.onBroadcastMsg)
	if err != nil {
		report(realtime.StatusChannelError)
		return realtime.TransportFailure(err, "subscribe broadcast", c.room)
	}
	presenceSub, err := c.client.nc.Subscribe(c.client.subject(c.room, "presence"), c.onPresenceMsg)
	if err != nil {
		_ = broadcastSub.Unsubscribe()
		report(realtime.StatusChannelError)
		return realtime.TransportFailure(err, "subscribe presence", c.room)
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFlush()
	if err := c.client.nc.FlushWithContext(flushCtx); err != nil {
		_ = broadcastSub.Unsubscribe()
		_ = presenceSub.Unsubscribe()
		report(realtime.StatusTimedOut)
		return realtime.TransportFailure(err, "flush subscriptions", c.room)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.subscribed = true
	c.subs = []*nats.Subscription{broadcastSub, presenceSub}
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.heartbeat(runCtx)

	c.logger.Info("Subscribed to room", zap.String("conn_id", c.connID))
	report(realtime.StatusSubscribed)

	if err := c.publishPresence(presenceMessage{Kind: kindHello, Conn: c.connID}); err != nil {
		c.logger.Warn("Failed to announce join", zap.Error(err))
	}
	c.handlers.EmitPresence(c.roster.state())
	return nil
}

func (c *channel) Track(ctx context.Context, p realtime.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isSubscribed() {
		return realtime.ErrNotSubscribed(c.room)
	}

	c.mu.Lock()
	c.presence = &p
	c.mu.Unlock()

	if c.roster.upsert(c.connID, c.key, p) {
		c.handlers.EmitPresence(c.roster.state())
	}
	return c.publishPresence(presenceMessage{Kind: kindTrack, Conn: c.connID, Key: c.key, Presence: &p})
}

func (c *channel) OnPresenceSync(fn func(realtime.PresenceState)) {
	c.handlers.OnPresenceSync(fn)
}

func (c *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	if err := c.client.nc.Publish(c.client.subject(c.room, "broadcast"), data); err != nil {
		return realtime.TransportFailure(err, "publish broadcast", c.room)
	}
	return nil
}

func (c *channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.handlers.OnBroadcast(event, fn)
}

func (c *channel) PresenceState() realtime.PresenceState {
	return c.roster.state()
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
	subs, cancel := c.subs, c.cancel
	c.subs = nil
	c.mu.Unlock()

	c.handlers.Close()
	cancel()
	c.wg.Wait()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if tracked {
		if err := c.publishPresence(presenceMessage{Kind: kindLeave, Conn: c.connID}); err != nil {
			c.logger.Warn("Failed to announce leave", zap.Error(err))
		}
	}

	c.logger.Info("Unsubscribed from room", zap.String("conn_id", c.connID))
	if firstErr != nil {
		return realtime.TransportFailure(firstErr, "unsubscribe", c.room)
	}
	return nil
}

func (c *channel) onBroadcastMsg(msg *nats.Msg) {
	var env realtime.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Debug("Dropping malformed broadcast", zap.Error(err))
		return
	}
	if env.Sender == c.connID {
		return
	}
	c.handlers.EmitBroadcast(env.Event, env.Payload)
}

func (c *channel) onPresenceMsg(msg *nats.Msg) {
	var pm presenceMessage
	if err := json.Unmarshal(msg.Data, &pm); err != nil {
		c.logger.Debug("Dropping malformed presence message", zap.Error(err))
		return
	}
	if pm.Conn == c.connID {
		return
	}

	changed := false
	switch pm.Kind {
	case kindTrack:
		if pm.Presence == nil || pm.Key == "" {
			return
		}
		changed = c.roster.upsert(pm.Conn, pm.Key, *pm.Presence)
	case kindLeave:
		changed = c.roster.remove(pm.Conn)
	case kindHello:
		c.retrack()
		return
	default:
		return
	}

	if changed {
		c.handlers.EmitPresence(c.roster.state())
	}
}

// retrack republishes the local presence, if any
func (c *channel) retrack() {
	c.mu.Lock()
	p := c.presence
	c.mu.Unlock()
	if p == nil {
		return
	}
	c.roster.upsert(c.connID, c.key, *p)
	if err := c.publishPresence(presenceMessage{Kind: kindTrack, Conn: c.connID, Key: c.key, Presence: p}); err != nil {
		c.logger.Warn("Presence heartbeat failed", zap.Error(err))
	}
}

func (c *channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.client.cfg.Clock.NewTicker(c.client.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.retrack()
			if c.roster.evict() {
				c.handlers.EmitPresence(c.roster.state())
			}
		}
	}
}

func (c *channel) publishPresence(pm presenceMessage) error {
	data, err := json.Marshal(pm)
	if err != nil {
		return realtime.TransportFailure(err, "encode presence", c.room)
	}
	if err := c.client.nc.Publish(c.client.subject(c.room, "presence"), data); err != nil {
		return realtime.TransportFailure(err, "publish presence", c.room)
	}
	return nil
}

func (c *channel) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}
