package timer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProtocol(peerID string, clock clockwork.Clock) *Protocol {
	return NewProtocol(Options{
		PeerID:               peerID,
		Durations:            testDurations,
		BroadcastInterval:    time.Second,
		ExtrapolateThreshold: 250 * time.Millisecond,
		Clock:                clock,
	})
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func updatesIn(out []Outbound) []State {
	var states []State
	for _, o := range out {
		if o.Event == EventUpdate {
			states = append(states, o.Payload.(State))
		}
	}
	return states
}

func TestProtocol_StartsSolo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)

	s := p.State()
	assert.Equal(t, ModeSolo, s.Mode)
	assert.Equal(t, PhaseFocus, s.Phase)
	assert.EqualValues(t, 1500000, s.RemainingMs)
	assert.False(t, s.IsRunning)

	_, ok := p.Snapshot()
	assert.False(t, ok)
}

func TestProtocol_UserActionsBroadcastOnceWhenShared(t *testing.T) {
	actions := map[string]func(*Protocol) []Outbound{
		"start/stop": (*Protocol).StartStop,
		"reset":      (*Protocol).Reset,
		"skip":       (*Protocol).SkipPhase,
	}

	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(testEpoch)
			p := newTestProtocol("guest-a", clock)
			p.ToggleMode()
			clock.Advance(3 * time.Second)

			out := action(p)

			require.Len(t, out, 1)
			assert.Equal(t, EventUpdate, out[0].Event)
			payload := out[0].Payload.(State)
			assert.Equal(t, ModeShared, payload.Mode)
			assert.Equal(t, clock.Now(), payload.LastUpdatedAt)

			snap, ok := p.Snapshot()
			require.True(t, ok)
			assert.Equal(t, payload, snap)

			data, err := json.Marshal(payload)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"mode":"shared"`)
		})
	}
}

func TestProtocol_UserActionsStayLocalWhenSolo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)

	assert.Empty(t, p.StartStop())
	assert.True(t, p.State().IsRunning)
	assert.Empty(t, p.SkipPhase())
	assert.Equal(t, PhaseBreak, p.State().Phase)
	assert.Empty(t, p.Reset())
	assert.Equal(t, PhaseFocus, p.State().Phase)
}

func TestProtocol_StartStopCatchesUpBeforePausing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.StartStop()

	clock.Advance(200 * time.Millisecond) // below the frame threshold
	p.StartStop()

	s := p.State()
	assert.False(t, s.IsRunning)
	assert.EqualValues(t, 1500000-200, s.RemainingMs)
}

func TestProtocol_EnterSharedWithoutSnapshotOriginates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-b", clock)

	out := p.ToggleMode()

	require.Len(t, out, 2)
	assert.Equal(t, EventRequestSync, out[0].Event)
	assert.Equal(t, RequestSyncPayload{RequesterID: "guest-b"}, out[0].Payload)
	assert.Equal(t, EventUpdate, out[1].Event)

	origin := out[1].Payload.(State)
	assert.Equal(t, ModeShared, origin.Mode)
	assert.Equal(t, PhaseFocus, origin.Phase)
	assert.EqualValues(t, 1500000, origin.RemainingMs)
	assert.False(t, origin.IsRunning)
	assert.Equal(t, origin, p.State())
}

func TestProtocol_EnterSharedAdoptsCachedSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-b", clock)

	peerState := State{Mode: ModeShared, Phase: PhaseBreak, RemainingMs: 120000, IsRunning: true, LastUpdatedAt: testEpoch}
	require.NoError(t, p.HandleUpdate(mustRaw(t, peerState)))
	assert.Equal(t, ModeSolo, p.State().Mode, "solo client only caches")

	clock.Advance(2 * time.Second)
	out := p.ToggleMode()

	require.Len(t, out, 1)
	assert.Equal(t, EventRequestSync, out[0].Event)

	s := p.State()
	assert.Equal(t, ModeShared, s.Mode)
	assert.Equal(t, PhaseBreak, s.Phase)
	assert.EqualValues(t, 120000, s.RemainingMs)
	assert.True(t, s.IsRunning)
	assert.Equal(t, clock.Now(), s.LastUpdatedAt)
}

func TestProtocol_LeaveSharedDropsSnapshotSilently(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()
	p.StartStop()

	out := p.ToggleMode()

	assert.Empty(t, out)
	s := p.State()
	assert.Equal(t, ModeSolo, s.Mode)
	assert.False(t, s.IsRunning)
	assert.EqualValues(t, 1500000, s.RemainingMs)
	_, ok := p.Snapshot()
	assert.False(t, ok)
}

func TestProtocol_HandleUpdateReplacesSharedState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()
	p.StartStop()

	clock.Advance(5 * time.Second)
	sent := State{Mode: ModeSolo, Phase: PhaseBreak, RemainingMs: 90000, IsRunning: true, LastUpdatedAt: testEpoch.Add(-time.Hour)}
	require.NoError(t, p.HandleUpdate(mustRaw(t, sent)))

	s := p.State()
	assert.Equal(t, ModeShared, s.Mode, "re-tagged shared")
	assert.Equal(t, PhaseBreak, s.Phase)
	assert.EqualValues(t, 90000, s.RemainingMs)
	assert.Equal(t, clock.Now(), s.LastUpdatedAt, "stamped with receive time")
}

func TestProtocol_HandleUpdateIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()

	raw := mustRaw(t, State{Mode: ModeShared, Phase: PhaseFocus, RemainingMs: 700000, IsRunning: true, LastUpdatedAt: testEpoch})

	require.NoError(t, p.HandleUpdate(raw))
	first := p.State()
	clock.Advance(40 * time.Millisecond)
	require.NoError(t, p.HandleUpdate(raw))
	second := p.State()

	first.LastUpdatedAt = time.Time{}
	second.LastUpdatedAt = time.Time{}
	assert.Equal(t, first, second)
}

func TestProtocol_HandleUpdateClampsToLocalDurations(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()

	// a peer configured for 50 minute focus
	require.NoError(t, p.HandleUpdate(mustRaw(t, State{Phase: PhaseFocus, RemainingMs: 2900000, IsRunning: true})))

	assert.EqualValues(t, 1500000, p.State().RemainingMs)
}

func TestProtocol_HandleUpdateIgnoresMalformedPayloads(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()
	before := p.State()

	payloads := []json.RawMessage{
		nil,
		json.RawMessage(`null`),
		json.RawMessage(`{"phase":"nap","remainingMs":1}`),
		json.RawMessage(`[1,2,3]`),
	}
	for _, raw := range payloads {
		assert.Error(t, p.HandleUpdate(raw), "payload %s", string(raw))
	}

	assert.Equal(t, before, p.State())
}

func TestProtocol_HandleRequestSync(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)

	assert.Empty(t, p.HandleRequestSync(mustRaw(t, RequestSyncPayload{RequesterID: "guest-b"})), "solo ignores")

	p.ToggleMode()
	p.StartStop()
	clock.Advance(1500 * time.Millisecond)

	out := p.HandleRequestSync(mustRaw(t, RequestSyncPayload{RequesterID: "guest-b"}))

	require.Len(t, out, 1)
	reply := out[0].Payload.(State)
	assert.Equal(t, ModeShared, reply.Mode)
	assert.EqualValues(t, 1500000-1500, reply.RemainingMs)
	assert.Equal(t, clock.Now(), reply.LastUpdatedAt)

	assert.Empty(t, p.HandleRequestSync(mustRaw(t, RequestSyncPayload{RequesterID: "guest-a"})), "own request")
}

func TestProtocol_TickRebroadcastsRunningSharedTimerOncePerInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()
	p.StartStop()

	var broadcasts int
	for i := 0; i < 12; i++ { // 3s of 250ms steps
		clock.Advance(250 * time.Millisecond)
		broadcasts += len(updatesIn(p.Tick()))
	}

	assert.Equal(t, 3, broadcasts)
	assert.EqualValues(t, 1500000-3000, p.State().RemainingMs)
}

func TestProtocol_TickNeverBroadcastsSolo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.StartStop()

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		assert.Empty(t, p.Tick())
	}
	assert.EqualValues(t, 1500000-10000, p.State().RemainingMs)
}

func TestProtocol_SetDurationsClampsLiveAndSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	p := newTestProtocol("guest-a", clock)
	p.ToggleMode()

	d, err := DurationsFromMinutes(15, 5)
	require.NoError(t, err)
	p.SetDurations(d)

	assert.EqualValues(t, 900000, p.State().RemainingMs)
	snap, ok := p.Snapshot()
	require.True(t, ok)
	assert.EqualValues(t, 900000, snap.RemainingMs)
}

// relay delivers outbound messages from one protocol to another the way the
// channel would, returning whatever the receiver sends back.
func relay(t *testing.T, to *Protocol, out []Outbound) []Outbound {
	t.Helper()
	var replies []Outbound
	for _, o := range out {
		raw := mustRaw(t, o.Payload)
		switch o.Event {
		case EventUpdate:
			require.NoError(t, to.HandleUpdate(raw))
		case EventRequestSync:
			replies = append(replies, to.HandleRequestSync(raw)...)
		}
	}
	return replies
}

func TestProtocol_JoinHandshake(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	a := newTestProtocol("guest-a", clock)
	b := newTestProtocol("guest-b", clock)

	a.ToggleMode()
	require.NoError(t, a.HandleUpdate(mustRaw(t, State{Phase: PhaseFocus, RemainingMs: 700000, IsRunning: true})))
	require.Equal(t, int64(700000), a.State().RemainingMs)

	clock.Advance(300 * time.Millisecond)
	bOut := b.ToggleMode()
	require.Equal(t, EventRequestSync, bOut[0].Event)

	// A answers the request first; B's own origination arrives afterwards.
	aReply := relay(t, a, bOut[:1])
	require.Len(t, aReply, 1)
	relay(t, b, aReply)

	bs := b.State()
	assert.Equal(t, ModeShared, bs.Mode)
	assert.True(t, bs.IsRunning)
	assert.InDelta(t, a.State().RemainingMs, bs.RemainingMs, float64(time.Second.Milliseconds()))

	// B's stale origination briefly overwrites A; B's next periodic
	// rebroadcast brings A back in line.
	relay(t, a, bOut[1:])
	assert.False(t, a.State().IsRunning)

	clock.Advance(time.Second)
	relay(t, a, b.Tick())
	assert.True(t, a.State().IsRunning)
	assert.InDelta(t, b.State().RemainingMs, a.State().RemainingMs, 1)
}
