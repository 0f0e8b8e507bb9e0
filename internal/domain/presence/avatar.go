package presence

import (
	"fmt"
	"math"
	"time"
)

// DefaultRemoteName is shown for peers that did not publish a name
const DefaultRemoteName = "Wanderer"

// Position is a point in the shared scene, normalized to [0,1] on both axes
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPosition creates a position clamped into the scene
func NewPosition(x, y float64) Position {
	return Position{X: clampNormalized(x), Y: clampNormalized(y)}
}

// String returns string representation of position
func (p Position) String() string {
	return fmt.Sprintf("(%.3f,%.3f)", p.X, p.Y)
}

// Sample is one presence payload a peer published about itself
type Sample struct {
	ID        string
	Name      string
	Color     string
	X, Y      float64
	UpdatedAt time.Time
}

// Aggregate is the full presence state of a room: presence key to the
// samples of every live connection under that key.
type Aggregate map[string][]Sample

// RemoteAvatar is the locally eased view of one remote peer. X and Y are
// owned by the observer; TargetX and TargetY are the last received position.
type RemoteAvatar struct {
	ID      string
	Name    string
	Color   string
	X       float64
	Y       float64
	TargetX float64
	TargetY float64
}

// Avatar is one entry of the render list
type Avatar struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	IsSelf bool    `json:"is_self"`
}

func clampNormalized(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// approach moves current toward target by at most step and lands on it exactly
func approach(current, target, step float64) float64 {
	delta := target - current
	if math.Abs(delta) <= step {
		return target
	}
	if delta > 0 {
		return current + step
	}
	return current - step
}

// smooth eases current toward target keeping (1-factor)^frames of the gap
func smooth(current, target, factor, frames float64) float64 {
	return target + (current-target)*math.Pow(1-factor, frames)
}
