package timer

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/oops"
)

// Broadcast event names carried on the room channel
const (
	EventUpdate      = "timer:update"
	EventRequestSync = "timer:request-sync"
)

// RequestSyncPayload asks whoever holds the shared timer to resend it
type RequestSyncPayload struct {
	RequesterID string `json:"requesterId"`
}

// Outbound is a broadcast the caller must send after applying a transition
type Outbound struct {
	Event   string
	Payload any
}

// Options configures a Protocol
type Options struct {
	PeerID               string
	Durations            Durations
	BroadcastInterval    time.Duration
	ExtrapolateThreshold time.Duration
	Clock                clockwork.Clock
}

// Protocol keeps one client's timer and, in shared mode, converges it with
// the room through timer:update and timer:request-sync broadcasts. There is
// no leader: the most recently received update wins.
//
// Protocol is not safe for concurrent use; the owning session serializes calls.
type Protocol struct {
	peerID            string
	clock             clockwork.Clock
	durations         Durations
	broadcastInterval time.Duration
	threshold         time.Duration

	state         State
	snapshot      *State
	lastBroadcast time.Time
}

// NewProtocol creates a protocol holding a fresh solo timer
func NewProtocol(opts Options) *Protocol {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Durations.Focus <= 0 || opts.Durations.Break <= 0 {
		opts.Durations = DefaultDurations
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = time.Second
	}
	if opts.ExtrapolateThreshold < 0 {
		opts.ExtrapolateThreshold = 0
	}

	return &Protocol{
		peerID:            opts.PeerID,
		clock:             opts.Clock,
		durations:         opts.Durations,
		broadcastInterval: opts.BroadcastInterval,
		threshold:         opts.ExtrapolateThreshold,
		state:             NewState(ModeSolo, opts.Durations, opts.Clock.Now()),
	}
}

// State returns the live timer
func (p *Protocol) State() State {
	return p.state
}

// Snapshot returns the cached shared timer, if any
func (p *Protocol) Snapshot() (State, bool) {
	if p.snapshot == nil {
		return State{}, false
	}
	return *p.snapshot, true
}

// Durations returns the configured phase lengths
func (p *Protocol) Durations() Durations {
	return p.durations
}

// ToggleMode switches between solo and shared.
//
// Entering shared adopts the cached snapshot when one exists and asks the
// room to resync; otherwise it originates a new shared timer and announces it.
// Leaving shared drops the snapshot and tells nobody.
func (p *Protocol) ToggleMode() []Outbound {
	now := p.clock.Now()

	if p.state.Mode == ModeShared {
		p.state = NewState(ModeSolo, p.durations, now)
		p.snapshot = nil
		return nil
	}

	hadSnapshot := p.snapshot != nil
	var next State
	if hadSnapshot {
		next = *p.snapshot
		next.Mode = ModeShared
		next.LastUpdatedAt = now
		next = next.Clamp(p.durations)
	} else {
		next = NewState(ModeShared, p.durations, now)
	}

	p.state = next
	p.remember(next)

	out := []Outbound{{
		Event:   EventRequestSync,
		Payload: RequestSyncPayload{RequesterID: p.peerID},
	}}
	if !hadSnapshot {
		p.lastBroadcast = now
		out = append(out, Outbound{Event: EventUpdate, Payload: next})
	}
	return out
}

// StartStop toggles the running flag after catching up on elapsed time
func (p *Protocol) StartStop() []Outbound {
	p.catchUp(p.clock.Now())
	return p.apply(ToggleRunning)
}

// Reset returns to a stopped full focus phase
func (p *Protocol) Reset() []Outbound {
	return p.apply(func(s State) State { return Reset(s, p.durations) })
}

// SkipPhase jumps to the next phase
func (p *Protocol) SkipPhase() []Outbound {
	return p.apply(func(s State) State { return SkipPhase(s, p.durations) })
}

// SetDurations applies new phase lengths and clamps the live timer and snapshot
func (p *Protocol) SetDurations(d Durations) {
	if d.Focus <= 0 || d.Break <= 0 {
		return
	}
	p.durations = d
	p.state = p.state.Clamp(d)
	if p.snapshot != nil {
		clamped := p.snapshot.Clamp(d)
		p.snapshot = &clamped
	}
}

// Tick runs once per frame: it extrapolates a running timer and, for a
// shared timer, rebroadcasts it at most once per broadcast interval.
func (p *Protocol) Tick() []Outbound {
	now := p.clock.Now()
	next, advanced := Extrapolate(p.state, now, p.durations, p.threshold)
	if !advanced {
		return nil
	}
	p.state = next

	if next.Mode != ModeShared || now.Sub(p.lastBroadcast) < p.broadcastInterval {
		return nil
	}
	p.lastBroadcast = now
	p.remember(next)
	return []Outbound{{Event: EventUpdate, Payload: next}}
}

// HandleUpdate applies a timer:update from a peer. The payload is re-tagged
// shared, re-stamped with the local receive time and cached; a shared-mode
// client also replaces its live timer with it.
func (p *Protocol) HandleUpdate(raw json.RawMessage) error {
	incoming, err := decodeState(raw)
	if err != nil {
		return err
	}

	incoming.Mode = ModeShared
	incoming.LastUpdatedAt = p.clock.Now()
	incoming = incoming.Clamp(p.durations)

	p.remember(incoming)
	if p.state.Mode == ModeShared {
		p.state = incoming
	}
	return nil
}

// HandleRequestSync answers a resync request when this client is shared
func (p *Protocol) HandleRequestSync(raw json.RawMessage) []Outbound {
	var req RequestSyncPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &req)
	}
	if p.state.Mode != ModeShared || (req.RequesterID != "" && req.RequesterID == p.peerID) {
		return nil
	}

	now := p.clock.Now()
	p.catchUp(now)

	reply := p.state
	reply.LastUpdatedAt = now
	p.remember(reply)
	p.lastBroadcast = now
	return []Outbound{{Event: EventUpdate, Payload: reply}}
}

func (p *Protocol) apply(mutate func(State) State) []Outbound {
	now := p.clock.Now()
	next := mutate(p.state)
	next.LastUpdatedAt = now
	p.state = next

	if next.Mode != ModeShared {
		return nil
	}
	p.remember(next)
	p.lastBroadcast = now
	return []Outbound{{Event: EventUpdate, Payload: next}}
}

func (p *Protocol) catchUp(now time.Time) {
	if next, ok := Extrapolate(p.state, now, p.durations, 0); ok {
		p.state = next
	}
}

func (p *Protocol) remember(s State) {
	p.snapshot = &s
}

func decodeState(raw json.RawMessage) (State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return State{}, malformed("missing timer payload")
	}

	var s State
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return State{}, oops.In("timer").Code("MALFORMED_PAYLOAD").Wrapf(err, "decode timer payload")
	}
	if !s.Phase.IsValid() {
		return State{}, malformed("unknown phase %q", s.Phase)
	}
	return s, nil
}

func malformed(format string, args ...any) error {
	return oops.In("timer").Code("MALFORMED_PAYLOAD").Errorf(format, args...)
}
