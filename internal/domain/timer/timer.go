package timer

import (
	"encoding/json"
	"math"
	"time"

	"github.com/samber/oops"
)

// Mode says whether a client's timer is private or follows the room
type Mode string

const (
	ModeSolo   Mode = "solo"
	ModeShared Mode = "shared"
)

// Phase is the pomodoro phase the timer is counting down
type Phase string

const (
	PhaseFocus Phase = "focus"
	PhaseBreak Phase = "break"
)

// Next returns the phase that follows p
func (p Phase) Next() Phase {
	if p == PhaseFocus {
		return PhaseBreak
	}
	return PhaseFocus
}

// IsValid reports whether p is a known phase
func (p Phase) IsValid() bool {
	return p == PhaseFocus || p == PhaseBreak
}

// Durations maps each phase to its configured length
type Durations struct {
	Focus time.Duration
	Break time.Duration
}

// DefaultDurations is the classic 25/5 pomodoro
var DefaultDurations = Durations{Focus: 25 * time.Minute, Break: 5 * time.Minute}

// DurationsFromMinutes builds Durations from user-facing minute settings
func DurationsFromMinutes(focusMinutes, breakMinutes int) (Durations, error) {
	if focusMinutes < 1 || breakMinutes < 1 {
		return Durations{}, oops.
			In("timer").
			Code("INVALID_DURATION").
			With("focus_minutes", focusMinutes).
			With("break_minutes", breakMinutes).
			Errorf("durations must be positive minutes")
	}
	return Durations{
		Focus: time.Duration(focusMinutes) * time.Minute,
		Break: time.Duration(breakMinutes) * time.Minute,
	}, nil
}

// Of returns the length of phase in milliseconds
func (d Durations) Of(phase Phase) int64 {
	if phase == PhaseBreak {
		return d.Break.Milliseconds()
	}
	return d.Focus.Milliseconds()
}

func (d Durations) cycle() int64 {
	return d.Focus.Milliseconds() + d.Break.Milliseconds()
}

// State is one client's copy of the pomodoro timer.
// RemainingMs stays within [0, Durations.Of(Phase)].
type State struct {
	Mode          Mode
	Phase         Phase
	RemainingMs   int64
	IsRunning     bool
	LastUpdatedAt time.Time
}

// NewState returns a stopped timer at the start of a focus phase
func NewState(mode Mode, d Durations, now time.Time) State {
	return State{
		Mode:          mode,
		Phase:         PhaseFocus,
		RemainingMs:   d.Of(PhaseFocus),
		IsRunning:     false,
		LastUpdatedAt: now,
	}
}

// Remaining returns RemainingMs as a time.Duration
func (s State) Remaining() time.Duration {
	return time.Duration(s.RemainingMs) * time.Millisecond
}

// Clamp forces RemainingMs into the bounds of the current phase
func (s State) Clamp(d Durations) State {
	limit := d.Of(s.Phase)
	if s.RemainingMs > limit {
		s.RemainingMs = limit
	}
	if s.RemainingMs < 0 {
		s.RemainingMs = 0
	}
	return s
}

// Extrapolate advances a running timer to now. Nothing happens when the
// timer is stopped or less than threshold has passed since LastUpdatedAt.
// Elapsed time longer than the current phase rolls over into as many
// following phases as it covers.
func Extrapolate(s State, now time.Time, d Durations, threshold time.Duration) (State, bool) {
	if !s.IsRunning {
		return s, false
	}
	elapsed := now.Sub(s.LastUpdatedAt)
	if elapsed < threshold || elapsed < 0 {
		return s, false
	}

	left := elapsed.Milliseconds()
	remaining := s.RemainingMs
	phase := s.Phase

	if left >= remaining {
		left -= remaining
		phase = phase.Next()
		remaining = d.Of(phase)
		if cycle := d.cycle(); cycle > 0 {
			left %= cycle
		}
		for left >= remaining && remaining > 0 {
			left -= remaining
			phase = phase.Next()
			remaining = d.Of(phase)
		}
	}

	s.Phase = phase
	s.RemainingMs = remaining - left
	s.LastUpdatedAt = now
	return s.Clamp(d), true
}

// ToggleRunning starts a stopped timer or pauses a running one
func ToggleRunning(s State) State {
	s.IsRunning = !s.IsRunning
	return s
}

// Reset returns to a stopped, full focus phase
func Reset(s State, d Durations) State {
	s.Phase = PhaseFocus
	s.RemainingMs = d.Of(PhaseFocus)
	s.IsRunning = false
	return s
}

// SkipPhase jumps to the start of the next phase, keeping the running flag
func SkipPhase(s State, d Durations) State {
	s.Phase = s.Phase.Next()
	s.RemainingMs = d.Of(s.Phase)
	return s
}

// wireState is the JSON shape exchanged on the channel
type wireState struct {
	Mode          Mode    `json:"mode"`
	Phase         Phase   `json:"phase"`
	RemainingMs   float64 `json:"remainingMs"`
	IsRunning     bool    `json:"isRunning"`
	LastUpdatedAt float64 `json:"lastUpdatedAt"`
}

// MarshalJSON encodes the state with epoch-millisecond timestamps
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{
		Mode:          s.Mode,
		Phase:         s.Phase,
		RemainingMs:   float64(s.RemainingMs),
		IsRunning:     s.IsRunning,
		LastUpdatedAt: float64(s.LastUpdatedAt.UnixMilli()),
	})
}

// UnmarshalJSON decodes the wire shape. Fractional milliseconds are rounded.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = State{
		Mode:          w.Mode,
		Phase:         w.Phase,
		RemainingMs:   int64(math.Round(w.RemainingMs)),
		IsRunning:     w.IsRunning,
		LastUpdatedAt: time.UnixMilli(int64(math.Round(w.LastUpdatedAt))),
	}
	return nil
}
