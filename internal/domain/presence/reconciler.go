package presence

import (
	"math"
	"sort"
	"time"

	"github.com/samber/oops"
)

// Options configures a Reconciler
type Options struct {
	LocalID    string
	LocalName  string
	LocalColor string
	Start      Position

	// MoveSpeed is how far the local avatar travels per second, in scene units
	MoveSpeed float64
	// Smoothing is the share of the remaining gap a remote avatar closes per
	// reference frame
	Smoothing     float64
	ReferenceFPS  float64
	MaxFrameDelta time.Duration

	BroadcastInterval time.Duration
}

// Reconciler turns presence aggregates into a smoothed render list. It owns
// the local avatar and one RemoteAvatar per remote peer.
//
// Reconciler is not safe for concurrent use.
type Reconciler struct {
	opts Options

	local  Position
	target Position

	remotes     map[string]*RemoteAvatar
	order       []string
	onlineCount int

	lastBroadcast time.Time
}

// NewReconciler creates a reconciler with the local avatar at opts.Start
func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.LocalID == "" {
		return nil, oops.
			In("presence").
			Code("INVALID_IDENTITY").
			Errorf("local id is required")
	}
	if opts.MoveSpeed <= 0 {
		opts.MoveSpeed = 0.65
	}
	if opts.Smoothing <= 0 || opts.Smoothing >= 1 {
		opts.Smoothing = 0.18
	}
	if opts.ReferenceFPS <= 0 {
		opts.ReferenceFPS = 60
	}
	if opts.MaxFrameDelta <= 0 {
		opts.MaxFrameDelta = 120 * time.Millisecond
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 120 * time.Millisecond
	}

	start := NewPosition(opts.Start.X, opts.Start.Y)
	return &Reconciler{
		opts:        opts,
		local:       start,
		target:      start,
		remotes:     make(map[string]*RemoteAvatar),
		onlineCount: 1,
	}, nil
}

// Ingest consumes a full presence aggregate. New peers appear at their
// reported position without motion; known peers only get a new target, name
// and color. Peers missing from the aggregate are dropped.
func (r *Reconciler) Ingest(agg Aggregate) {
	keys := make([]string, 0, len(agg))
	for key := range agg {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	next := make(map[string]*RemoteAvatar, len(r.remotes))
	connections := 0

	for _, key := range keys {
		samples := agg[key]
		connections += len(samples)

		for _, s := range samples {
			if s.ID == "" || s.ID == r.opts.LocalID {
				continue
			}

			name := s.Name
			if name == "" {
				name = DefaultRemoteName
			}
			x, y := clampNormalized(s.X), clampNormalized(s.Y)

			// Only peers known before this aggregate ease; a new id is
			// placed by every one of its entries.
			avatar, ok := r.remotes[s.ID]
			if !ok {
				avatar = &RemoteAvatar{ID: s.ID, X: x, Y: y}
			}
			avatar.Name = name
			avatar.Color = s.Color
			avatar.TargetX = x
			avatar.TargetY = y
			next[s.ID] = avatar
		}
	}

	order := make([]string, 0, len(next))
	for id := range next {
		order = append(order, id)
	}
	sort.Strings(order)

	r.remotes = next
	r.order = order
	r.onlineCount = max(connections, 1)
}

// Advance runs one animation frame of deltaSeconds and returns the render
// list. The delta is clamped to MaxFrameDelta.
func (r *Reconciler) Advance(deltaSeconds float64) []Avatar {
	dt := math.Min(deltaSeconds, r.opts.MaxFrameDelta.Seconds())
	if dt > 0 && !math.IsNaN(dt) {
		step := r.opts.MoveSpeed * dt
		r.local.X = approach(r.local.X, r.target.X, step)
		r.local.Y = approach(r.local.Y, r.target.Y, step)

		frames := dt * r.opts.ReferenceFPS
		for _, id := range r.order {
			avatar := r.remotes[id]
			avatar.X = smooth(avatar.X, avatar.TargetX, r.opts.Smoothing, frames)
			avatar.Y = smooth(avatar.Y, avatar.TargetY, r.opts.Smoothing, frames)
		}
	}
	return r.RenderList()
}

// RenderList returns the local avatar followed by remote avatars ordered by id
func (r *Reconciler) RenderList() []Avatar {
	list := make([]Avatar, 0, len(r.order)+1)
	list = append(list, Avatar{
		ID:     r.opts.LocalID,
		Name:   r.opts.LocalName,
		Color:  r.opts.LocalColor,
		X:      r.local.X,
		Y:      r.local.Y,
		IsSelf: true,
	})
	for _, id := range r.order {
		a := r.remotes[id]
		list = append(list, Avatar{ID: a.ID, Name: a.Name, Color: a.Color, X: a.X, Y: a.Y})
	}
	return list
}

// Remote returns a copy of the eased state of one remote peer
func (r *Reconciler) Remote(id string) (RemoteAvatar, bool) {
	a, ok := r.remotes[id]
	if !ok {
		return RemoteAvatar{}, false
	}
	return *a, true
}

// OnlineCount is the number of live connections in the room, at least 1
func (r *Reconciler) OnlineCount() int {
	return r.onlineCount
}

// SetTarget points the local avatar at (x, y). Finite values outside the
// scene are clamped onto its edge.
func (r *Reconciler) SetTarget(x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return oops.
			In("presence").
			Code("INVALID_POSITION").
			With("x", x).
			With("y", y).
			Errorf("target must be a finite position")
	}
	r.target = NewPosition(x, y)
	return nil
}

// Local returns the current and target position of the local avatar
func (r *Reconciler) Local() (current, target Position) {
	return r.local, r.target
}

// LocalSample builds the presence payload describing the local avatar
func (r *Reconciler) LocalSample(now time.Time) Sample {
	return Sample{
		ID:        r.opts.LocalID,
		Name:      r.opts.LocalName,
		Color:     r.opts.LocalColor,
		X:         r.local.X,
		Y:         r.local.Y,
		UpdatedAt: now,
	}
}

// ShouldBroadcastPresence reports whether more than the broadcast interval
// has passed since the last local presence broadcast.
func (r *Reconciler) ShouldBroadcastPresence(now time.Time) bool {
	return now.Sub(r.lastBroadcast) > r.opts.BroadcastInterval
}

// MarkPresenceBroadcast records that the local presence was sent at now
func (r *Reconciler) MarkPresenceBroadcast(now time.Time) {
	r.lastBroadcast = now
}

// Clear forgets every remote peer
func (r *Reconciler) Clear() {
	r.remotes = make(map[string]*RemoteAvatar)
	r.order = nil
	r.onlineCount = 1
}
