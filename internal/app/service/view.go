package service

import (
	"fmt"

	"github.com/danghamo/cozyfocus/internal/domain/presence"
	"github.com/danghamo/cozyfocus/internal/domain/timer"
)

// TimerView is the read model of the local timer as the panel shows it
type TimerView struct {
	Mode         timer.Mode  `json:"mode"`
	Phase        timer.Phase `json:"phase"`
	PhaseLabel   string      `json:"phase_label"`
	RemainingMs  int64       `json:"remaining_ms"`
	Label        string      `json:"label"`
	Completion   float64     `json:"completion"`
	IsRunning    bool        `json:"is_running"`
	Hint         string      `json:"hint"`
	FocusMinutes int         `json:"focus_minutes"`
	BreakMinutes int         `json:"break_minutes"`
}

// Frame is one rendered view of the lounge
type Frame struct {
	Room        string            `json:"room"`
	SelfID      string            `json:"self_id"`
	Avatars     []presence.Avatar `json:"avatars"`
	OnlineCount int               `json:"online_count"`
	Timer       TimerView         `json:"timer"`
}

var phaseLabels = map[timer.Phase]string{
	timer.PhaseFocus: "Focus",
	timer.PhaseBreak: "Breathe",
}

// NewTimerView renders s against d. onlineCount feeds the shared-mode hint.
func NewTimerView(s timer.State, d timer.Durations, onlineCount int) TimerView {
	total := d.Of(s.Phase)
	remaining := min(max(s.RemainingMs, 0), total)

	completion := 0.0
	if total > 0 {
		completion = 1 - float64(remaining)/float64(total)
	}

	return TimerView{
		Mode:         s.Mode,
		Phase:        s.Phase,
		PhaseLabel:   phaseLabels[s.Phase],
		RemainingMs:  remaining,
		Label:        FormatClock(remaining),
		Completion:   completion,
		IsRunning:    s.IsRunning,
		Hint:         timerHint(s, onlineCount),
		FocusMinutes: int(d.Focus.Minutes()),
		BreakMinutes: int(d.Break.Minutes()),
	}
}

// FormatClock renders milliseconds as mm:ss, rounding partial seconds up
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	seconds := (ms + 999) / 1000
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func timerHint(s timer.State, onlineCount int) string {
	if s.Mode != timer.ModeShared {
		if s.IsRunning {
			return "Settling in for focus."
		}
		return "Your own rhythm. Join shared when you want warmth."
	}

	switch others := onlineCount - 1; {
	case others == 1:
		return "Breathing together with one companion."
	case others > 1:
		return fmt.Sprintf("Breathing together with %d companions.", others)
	case s.IsRunning:
		return "Breathing together. Two or more hearts stay in sync."
	default:
		return "Everyone sees this timer. Tap start when you're ready."
	}
}
