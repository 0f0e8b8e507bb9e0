package redisstream

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/pkg/logger"
	"github.com/danghamo/cozyfocus/pkg/redisx"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return newTestClientWithClock(t, nil)
}

func newTestClientWithClock(t *testing.T, clock clockwork.Clock) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis test")
	}

	rdb, err := redisx.NewClient(url, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	client, err := NewClient(rdb, Config{
		KeyPrefix:         "cozyfocus-test",
		PresenceTTL:       3 * time.Second,
		HeartbeatInterval: time.Second,
		Clock:             clock,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
	state    realtime.PresenceState
}

func (r *recorder) onBroadcast(raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(raw))
}

func (r *recorder) onPresence(s realtime.PresenceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) connections() int {
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

	var ra, rb recorder
	a.OnBroadcast("ping", ra.onBroadcast)
	b.OnBroadcast("ping", rb.onBroadcast)
	b.OnPresenceSync(rb.onPresence)

	require.NoError(t, a.Subscribe(ctx, nil))
	require.NoError(t, b.Subscribe(ctx, nil))
	defer b.Unsubscribe()

	require.Eventually(t, func() bool {
		_ = a.Broadcast(ctx, "ping", map[string]string{"from": "a"})
		return len(rb.received()) > 0
	}, 5*time.Second, 100*time.Millisecond)

	assert.JSONEq(t, `{"from":"a"}`, rb.received()[0])
	assert.Empty(t, ra.received(), "no self delivery")

	require.NoError(t, a.Track(ctx, realtime.Presence{ID: "guest-a", X: 0.25, Y: 0.5}))
	require.NoError(t, b.Track(ctx, realtime.Presence{ID: "guest-b", X: 0.75, Y: 0.5}))

	require.Eventually(t, func() bool { return rb.connections() == 2 }, 5*time.Second, 50*time.Millisecond)
	state := b.PresenceState()
	require.Len(t, state["guest-a"], 1)
	assert.Equal(t, 0.25, state["guest-a"][0].X)

	require.NoError(t, a.Unsubscribe())
	require.Eventually(t, func() bool { return rb.connections() == 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestChannel_RequiresSubscription(t *testing.T) {
	client := newTestClient(t)
	ch := client.Channel("room-"+uuid.NewString(), realtime.ChannelOptions{PresenceKey: "guest-a"})

	assert.Error(t, ch.Broadcast(context.Background(), "ping", nil))
	assert.Error(t, ch.Track(context.Background(), realtime.Presence{ID: "guest-a"}))
	assert.NoError(t, ch.Unsubscribe())
}

func TestChannel_HeartbeatRefreshesPresence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := newTestClientWithClock(t, clock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room := "room-" + uuid.NewString()
	ch := client.Channel(room, realtime.ChannelOptions{PresenceKey: "guest-a"})
	require.NoError(t, ch.Subscribe(ctx, nil))
	defer ch.Unsubscribe()
	require.NoError(t, ch.Track(ctx, realtime.Presence{ID: "guest-a", X: 0.3, Y: 0.6}))

	key := client.presenceKey(room, "guest-a", ch.(*channel).connID)
	_, err := client.redis.DelWithLogging(ctx, key)
	require.NoError(t, err)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		n, err := client.redis.Exists(ctx, key).Result()
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)
}
