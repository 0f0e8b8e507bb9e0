package presence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Options{
		LocalID:    "guest-local",
		LocalName:  "Settling Wanderer",
		LocalColor: "#FDE68A",
		Start:      Position{X: 0.5, Y: 0.68},
	})
	require.NoError(t, err)
	return r
}

func sample(id string, x, y float64) Sample {
	return Sample{ID: id, Name: "peer " + id, Color: "#BFDBFE", X: x, Y: y}
}

func TestNewReconciler_RequiresLocalID(t *testing.T) {
	_, err := NewReconciler(Options{})
	assert.Error(t, err)
}

func TestIngest_NoPopIn(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.2, 0.3)}})

	a, ok := r.Remote("guest-a")
	require.True(t, ok)
	assert.Equal(t, 0.2, a.X)
	assert.Equal(t, 0.2, a.TargetX)
	assert.Equal(t, 0.3, a.Y)
	assert.Equal(t, 0.3, a.TargetY)
}

func TestIngest_KnownPeerOnlyMovesTarget(t *testing.T) {
	r := newTestReconciler(t)
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.2, 0.3)}})

	moved := sample("guest-a", 0.8, 0.9)
	moved.Name = "Renamed"
	r.Ingest(Aggregate{"guest-a": {moved}})

	a, _ := r.Remote("guest-a")
	assert.Equal(t, 0.2, a.X)
	assert.Equal(t, 0.3, a.Y)
	assert.Equal(t, 0.8, a.TargetX)
	assert.Equal(t, 0.9, a.TargetY)
	assert.Equal(t, "Renamed", a.Name)
}

func TestIngest_Idempotent(t *testing.T) {
	r := newTestReconciler(t)
	agg := Aggregate{
		"guest-a": {sample("guest-a", 0.2, 0.3)},
		"guest-b": {sample("guest-b", 0.6, 0.1)},
	}
	r.Ingest(agg)
	r.Advance(0.016)
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.9, 0.9)}, "guest-b": agg["guest-b"]})
	r.Advance(0.016)

	before, _ := r.Remote("guest-a")
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.9, 0.9)}, "guest-b": agg["guest-b"]})
	after, _ := r.Remote("guest-a")

	assert.Equal(t, before, after)
}

func TestIngest_DropsAbsentPeersAndSkipsSelf(t *testing.T) {
	r := newTestReconciler(t)
	r.Ingest(Aggregate{
		"guest-a":     {sample("guest-a", 0.2, 0.3)},
		"guest-local": {sample("guest-local", 0.5, 0.5)},
		"ghost":       {{ID: "", X: 0.1, Y: 0.1}},
	})

	_, ok := r.Remote("guest-local")
	assert.False(t, ok)
	assert.Len(t, r.RenderList(), 2)

	r.Ingest(Aggregate{})

	_, ok = r.Remote("guest-a")
	assert.False(t, ok)
	list := r.RenderList()
	require.Len(t, list, 1)
	assert.True(t, list[0].IsSelf)
	assert.Equal(t, 1, r.OnlineCount())
}

func TestIngest_OnlineCount(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(Aggregate{
		"guest-local": {sample("guest-local", 0.5, 0.68)},
		"guest-a":     {sample("guest-a", 0.1, 0.1), sample("guest-a", 0.4, 0.4)},
		"guest-b":     {sample("guest-b", 0.9, 0.2)},
	})

	assert.Equal(t, 4, r.OnlineCount())

	list := r.RenderList()
	require.Len(t, list, 3)
	assert.Equal(t, "guest-local", list[0].ID)
	assert.Equal(t, "guest-a", list[1].ID)
	assert.Equal(t, "guest-b", list[2].ID)

	a, _ := r.Remote("guest-a")
	assert.Equal(t, 0.4, a.TargetX, "last entry wins")
	assert.Equal(t, a.TargetX, a.X)
	assert.Equal(t, a.TargetY, a.Y)
}

func TestIngest_KnownPeerWithSeveralConnectionsEases(t *testing.T) {
	r := newTestReconciler(t)
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.2, 0.2)}})

	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.6, 0.6), sample("guest-a", 0.8, 0.7)}})

	a, ok := r.Remote("guest-a")
	require.True(t, ok)
	assert.Equal(t, 0.2, a.X)
	assert.Equal(t, 0.2, a.Y)
	assert.Equal(t, 0.8, a.TargetX)
	assert.Equal(t, 0.7, a.TargetY)
}

func TestIngest_ClampsAndDefaultsName(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(Aggregate{"guest-a": {{ID: "guest-a", X: 1.7, Y: -3}}})

	a, _ := r.Remote("guest-a")
	assert.Equal(t, 1.0, a.TargetX)
	assert.Equal(t, 0.0, a.TargetY)
	assert.Equal(t, DefaultRemoteName, a.Name)
}

func TestAdvance_RemoteConvergesMonotonically(t *testing.T) {
	r := newTestReconciler(t)
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.1, 0.1)}})
	r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0.9, 0.6)}})

	prev := math.Inf(1)
	for i := 0; i < 600; i++ {
		r.Advance(1.0 / 60)
		a, _ := r.Remote("guest-a")
		gap := math.Abs(a.X - a.TargetX)
		if gap < 1e-9 {
			break
		}
		assert.Less(t, gap, prev)
		assert.LessOrEqual(t, a.X, a.TargetX, "never overshoots")
		prev = gap
	}

	a, _ := r.Remote("guest-a")
	assert.InDelta(t, 0.9, a.X, 1e-6)
	assert.InDelta(t, 0.6, a.Y, 1e-6)
}

func TestAdvance_SmoothingIsFrameRateIndependent(t *testing.T) {
	at60 := newTestReconciler(t)
	at30 := newTestReconciler(t)
	for _, r := range []*Reconciler{at60, at30} {
		r.Ingest(Aggregate{"guest-a": {sample("guest-a", 0, 0)}})
		r.Ingest(Aggregate{"guest-a": {sample("guest-a", 1, 1)}})
	}

	for i := 0; i < 60; i++ {
		at60.Advance(1.0 / 60)
	}
	for i := 0; i < 30; i++ {
		at30.Advance(1.0 / 30)
	}

	a60, _ := at60.Remote("guest-a")
	a30, _ := at30.Remote("guest-a")
	assert.InDelta(t, a60.X, a30.X, 1e-9)
}

func TestAdvance_LocalReachesTargetExactly(t *testing.T) {
	r := newTestReconciler(t)
	require.NoError(t, r.SetTarget(0.6, 0.68))

	list := r.Advance(0.1)
	assert.InDelta(t, 0.565, list[0].X, 1e-9)

	r.Advance(0.1)
	current, target := r.Local()
	assert.Equal(t, target, current)

	r.Advance(0.1)
	current, _ = r.Local()
	assert.Equal(t, 0.6, current.X)
}

func TestAdvance_ClampsLongFrames(t *testing.T) {
	r := newTestReconciler(t)
	require.NoError(t, r.SetTarget(1, 0.68))

	r.Advance(5)

	current, _ := r.Local()
	assert.InDelta(t, 0.5+0.65*0.12, current.X, 1e-9)
}

func TestSetTarget(t *testing.T) {
	r := newTestReconciler(t)

	require.NoError(t, r.SetTarget(2, -1))
	_, target := r.Local()
	assert.Equal(t, Position{X: 1, Y: 0}, target)

	assert.Error(t, r.SetTarget(math.NaN(), 0.5))
	assert.Error(t, r.SetTarget(0.5, math.Inf(1)))
}

func TestShouldBroadcastPresence(t *testing.T) {
	r := newTestReconciler(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	assert.True(t, r.ShouldBroadcastPresence(now))
	r.MarkPresenceBroadcast(now)

	assert.False(t, r.ShouldBroadcastPresence(now.Add(60*time.Millisecond)))
	assert.False(t, r.ShouldBroadcastPresence(now.Add(120*time.Millisecond)))
	assert.True(t, r.ShouldBroadcastPresence(now.Add(121*time.Millisecond)))
}
