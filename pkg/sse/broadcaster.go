package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/api/jsonrpcx"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Options configures a Broadcaster
type Options struct {
	// FullMethod names the notification carrying a complete state
	FullMethod string
	// PatchMethod names the notification carrying a JSON merge patch
	// against the previous state the client received
	PatchMethod string
	// Snapshot, when set, provides the state sent to a client on connect
	Snapshot func() any

	BufferSize        int
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock
}

// Client is one connected SSE stream
type Client struct {
	ID   string
	send chan []byte
	done chan struct{}

	// baseline is the last state document delivered to this client;
	// nil means the next publish goes out in full
	baseline []byte
	closed   bool
}

// Done is closed when the client is removed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Broadcaster fans a stream of state documents out to SSE clients. Each
// client first receives the full state and afterwards only merge patches
// relative to what it last received.
type Broadcaster struct {
	logger *logger.Logger
	opts   Options

	mutex    sync.Mutex
	clients  map[string]*Client
	shutdown chan struct{}
	closed   bool
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(log *logger.Logger, opts Options) *Broadcaster {
	if opts.FullMethod == "" {
		opts.FullMethod = "state"
	}
	if opts.PatchMethod == "" {
		opts.PatchMethod = opts.FullMethod + ".patch"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Broadcaster{
		logger:   log.WithComponent("sse-broadcaster"),
		opts:     opts,
		clients:  make(map[string]*Client),
		shutdown: make(chan struct{}),
	}
}

// AddClient registers a new client
func (b *Broadcaster) AddClient() (*Client, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, oops.In("sse").Code("CLOSED").Errorf("broadcaster is closed")
	}

	client := &Client{
		ID:   uuid.NewString(),
		send: make(chan []byte, b.opts.BufferSize),
		done: make(chan struct{}),
	}
	b.clients[client.ID] = client
	b.logger.Debug("SSE client connected", zap.String("clientId", client.ID))
	return client, nil
}

// RemoveClient unregisters a client and closes its Done channel
func (b *Broadcaster) RemoveClient(clientID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	client, ok := b.clients[clientID]
	if !ok {
		return
	}
	delete(b.clients, clientID)
	b.closeClient(client)
	b.logger.Debug("SSE client disconnected", zap.String("clientId", clientID))
}

// Publish sends state to every client, as a merge patch when the client
// already holds a baseline. Clients whose buffer is full skip the update
// and are resynced with the full state on the next publish.
func (b *Broadcaster) Publish(state any) {
	doc, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("Failed to marshal state", zap.Error(err))
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, client := range b.clients {
		b.deliver(client, doc)
	}
}

// ClientCount returns the number of connected clients
func (b *Broadcaster) ClientCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.clients)
}

// Close disconnects every client and rejects new ones
func (b *Broadcaster) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.shutdown)

	for id, client := range b.clients {
		b.closeClient(client)
		delete(b.clients, id)
	}
	b.logger.Debug("SSE broadcaster shutdown complete")
}

// HandleSSE streams notifications to one HTTP client until it disconnects
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Server-Sent Events not supported", http.StatusInternalServerError)
		return
	}

	client, err := b.AddClient()
	if err != nil {
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer b.RemoveClient(client.ID)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if b.opts.Snapshot != nil {
		b.PublishTo(client.ID, b.opts.Snapshot())
	}

	heartbeat := b.opts.Clock.NewTicker(b.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case data := <-client.send:
			if err := writeEvent(w, flusher, data); err != nil {
				b.logger.Warn("Failed to write SSE event", zap.String("clientId", client.ID), zap.Error(err))
				return
			}
		case <-heartbeat.Chan():
			if err := writeComment(w, flusher, "heartbeat"); err != nil {
				b.logger.Debug("Heartbeat failed", zap.String("clientId", client.ID), zap.Error(err))
				return
			}
		}
	}
}

// PublishTo sends state to a single client
func (b *Broadcaster) PublishTo(clientID string, state any) {
	doc, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("Failed to marshal state", zap.Error(err))
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if client, ok := b.clients[clientID]; ok {
		b.deliver(client, doc)
	}
}

// deliver must be called with b.mutex held
func (b *Broadcaster) deliver(client *Client, doc []byte) {
	method := b.opts.FullMethod
	params := json.RawMessage(doc)

	if client.baseline != nil {
		patch, err := jsonpatch.CreateMergePatch(client.baseline, doc)
		if err != nil {
			b.logger.Warn("Failed to diff state, sending full", zap.String("clientId", client.ID), zap.Error(err))
		} else if bytes.Equal(patch, []byte("{}")) {
			return
		} else {
			method = b.opts.PatchMethod
			params = json.RawMessage(patch)
		}
	}

	data, err := json.Marshal(jsonrpcx.NewNotification(method, params))
	if err != nil {
		b.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
		client.baseline = doc
	default:
		client.baseline = nil
		b.logger.Debug("SSE client lagging, will resync", zap.String("clientId", client.ID))
	}
}

func (b *Broadcaster) closeClient(client *Client) {
	if client.closed {
		return
	}
	client.closed = true
	close(client.done)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	flusher.Flush()
	return nil
}
