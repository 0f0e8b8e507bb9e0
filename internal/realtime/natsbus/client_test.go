package natsbus

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS test")
	}

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PresenceTTL = 2 * time.Second
	cfg.HeartbeatInterval = 500 * time.Millisecond

	client, err := Connect(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type syncRecorder struct {
	mu       sync.Mutex
	payloads []string
	state    realtime.PresenceState
}

func (r *syncRecorder) onBroadcast(raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(raw))
}

func (r *syncRecorder) onPresence(s realtime.PresenceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *syncRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *syncRecorder) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Connections()
}

func TestChannel_BroadcastAndPresence(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	room := "room-" + uuid.NewString()

	a := client.Channel(room, realtime.ChannelOptions{PresenceKey: "guest-a"})
	b := client.Channel(room, realtime.ChannelOptions{PresenceKey: "guest-b"})

	var ra, rb syncRecorder
	a.OnBroadcast("ping", ra.onBroadcast)
	b.OnBroadcast("ping", rb.onBroadcast)
	b.OnPresenceSync(rb.onPresence)

	require.NoError(t, a.Subscribe(ctx, nil))
	require.NoError(t, a.Track(ctx, realtime.Presence{ID: "guest-a", X: 0.4}))

	var statuses []realtime.Status
	require.NoError(t, b.Subscribe(ctx, func(s realtime.Status) { statuses = append(statuses, s) }))
	defer b.Unsubscribe()
	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed}, statuses)

	// a answers b's hello with its presence
	require.Eventually(t, func() bool { return rb.connections() == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Broadcast(ctx, "ping", map[string]int{"n": 1}))
	require.Eventually(t, func() bool { return rb.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, ra.count())

	require.NoError(t, a.Unsubscribe())
	require.Eventually(t, func() bool { return rb.connections() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestClient_HealthCheck(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.HealthCheck(context.Background()))
}
