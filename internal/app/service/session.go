package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/domain/presence"
	"github.com/danghamo/cozyfocus/internal/domain/timer"
	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/pkg/config"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

const defaultSendTimeout = 2 * time.Second

// SessionConfig holds everything a LoungeSession needs besides its transport
type SessionConfig struct {
	Room     string
	Identity Identity
	Start    presence.Position

	Durations              timer.Durations
	TimerBroadcastInterval time.Duration
	ExtrapolateThreshold   time.Duration

	MoveSpeed                 float64
	RemoteSmoothing           float64
	ReferenceFPS              float64
	MaxFrameDelta             time.Duration
	PresenceBroadcastInterval time.Duration

	// SendTimeout bounds each outbound Track or Broadcast
	SendTimeout time.Duration
}

// SessionConfigFromConfig maps the loaded configuration onto a SessionConfig
func SessionConfigFromConfig(cfg *config.Config, id Identity) (SessionConfig, error) {
	durations, err := timer.DurationsFromMinutes(cfg.Timer.FocusDurationMinutes, cfg.Timer.BreakDurationMinutes)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		Room:                      cfg.Lounge.Room,
		Identity:                  id,
		Start:                     presence.NewPosition(cfg.Lounge.StartX, cfg.Lounge.StartY),
		Durations:                 durations,
		TimerBroadcastInterval:    cfg.Timer.BroadcastInterval,
		ExtrapolateThreshold:      cfg.Timer.ExtrapolateThreshold,
		MoveSpeed:                 cfg.Motion.MoveSpeed,
		RemoteSmoothing:           cfg.Motion.RemoteSmoothing,
		ReferenceFPS:              cfg.Motion.ReferenceFPS,
		MaxFrameDelta:             cfg.Motion.MaxFrameDelta,
		PresenceBroadcastInterval: cfg.Motion.PresenceBroadcastInterval,
		SendTimeout:               defaultSendTimeout,
	}, nil
}

// LoungeSession is one peer's membership of a room. It owns the presence
// reconciler, the timer protocol and the channel handle, and serializes
// frames, inbound messages and user actions behind one mutex.
//
// Outbound messages are produced under the lock and sent after it is
// released, in the order they were produced. Send failures are logged and
// dropped.
type LoungeSession struct {
	cfg    SessionConfig
	client realtime.Client
	clock  clockwork.Clock
	logger *logger.Logger

	mu            sync.Mutex
	channel       realtime.Channel
	presenceReady bool
	reconciler    *presence.Reconciler
	timer         *timer.Protocol
}

// NewLoungeSession creates a session that has not joined its room yet
func NewLoungeSession(cfg SessionConfig, client realtime.Client, clock clockwork.Clock, log *logger.Logger) (*LoungeSession, error) {
	if client == nil {
		return nil, oops.In("session").Code("INVALID_CONFIG").Errorf("realtime client is required")
	}
	if cfg.Room == "" {
		return nil, oops.In("session").Code("INVALID_CONFIG").Errorf("room is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	reconciler, err := presence.NewReconciler(presence.Options{
		LocalID:           cfg.Identity.GuestID,
		LocalName:         cfg.Identity.DisplayName,
		LocalColor:        cfg.Identity.Color,
		Start:             cfg.Start,
		MoveSpeed:         cfg.MoveSpeed,
		Smoothing:         cfg.RemoteSmoothing,
		ReferenceFPS:      cfg.ReferenceFPS,
		MaxFrameDelta:     cfg.MaxFrameDelta,
		BroadcastInterval: cfg.PresenceBroadcastInterval,
	})
	if err != nil {
		return nil, err
	}

	protocol := timer.NewProtocol(timer.Options{
		PeerID:               cfg.Identity.GuestID,
		Durations:            cfg.Durations,
		BroadcastInterval:    cfg.TimerBroadcastInterval,
		ExtrapolateThreshold: cfg.ExtrapolateThreshold,
		Clock:                clock,
	})

	return &LoungeSession{
		cfg:        cfg,
		client:     client,
		clock:      clock,
		logger:     log.WithComponent("lounge-session").WithRoom(cfg.Room).WithPeerID(cfg.Identity.GuestID),
		reconciler: reconciler,
		timer:      protocol,
	}, nil
}

// Identity returns the local peer identity
func (s *LoungeSession) Identity() Identity {
	return s.cfg.Identity
}

// Room returns the room this session belongs to
func (s *LoungeSession) Room() string {
	return s.cfg.Room
}

// Joined reports whether the session holds a channel
func (s *LoungeSession) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// Join opens the room channel, registers the presence and timer handlers
// and subscribes. Once the channel reports SUBSCRIBED the local presence is
// tracked and per-frame presence updates begin.
func (s *LoungeSession) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.channel != nil {
		s.mu.Unlock()
		return nil
	}
	ch := s.client.Channel(s.cfg.Room, realtime.ChannelOptions{PresenceKey: s.cfg.Identity.GuestID})
	s.channel = ch
	s.presenceReady = false
	s.mu.Unlock()

	ch.OnPresenceSync(func(state realtime.PresenceState) {
		s.handlePresenceSync(ch, state)
	})
	for _, event := range []string{timer.EventUpdate, timer.EventRequestSync} {
		ch.OnBroadcast(event, func(raw json.RawMessage) {
			s.handleBroadcast(ch, event, raw)
		})
	}

	err := ch.Subscribe(ctx, func(status realtime.Status) {
		s.handleStatus(ch, status)
	})
	if err != nil {
		s.mu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		s.mu.Unlock()
		_ = ch.Unsubscribe()
		return oops.
			In("session").
			Code("TRANSPORT_FAILURE").
			With("room", s.cfg.Room).
			Wrapf(err, "join room")
	}

	s.logger.Info("Joined lounge room")
	return nil
}

// Leave unsubscribes from the room and forgets every remote avatar
func (s *LoungeSession) Leave() error {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.presenceReady = false
	s.reconciler.Clear()
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Unsubscribe(); err != nil {
		return oops.In("session").Code("TRANSPORT_FAILURE").With("room", s.cfg.Room).Wrapf(err, "leave room")
	}
	s.logger.Info("Left lounge room")
	return nil
}

// HandleMessage applies an inbound broadcast. Malformed payloads and
// unknown events are logged and ignored.
func (s *LoungeSession) HandleMessage(event string, raw json.RawMessage) {
	s.mu.Lock()
	var out []timer.Outbound
	switch event {
	case timer.EventUpdate:
		if err := s.timer.HandleUpdate(raw); err != nil {
			s.logger.Debug("Ignoring timer update", zap.Error(err))
		}
	case timer.EventRequestSync:
		out = s.timer.HandleRequestSync(raw)
	default:
		s.logger.Debug("Ignoring unknown broadcast", zap.String("event", event))
	}
	ch := s.channel
	s.mu.Unlock()

	s.send(ch, out)
}

// IngestPresence replaces the remote avatar set with state
func (s *LoungeSession) IngestPresence(state realtime.PresenceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler.Ingest(toAggregate(state))
}

// Advance runs one frame: avatar motion, throttled presence tracking and
// the timer tick. It returns the rendered frame.
func (s *LoungeSession) Advance(deltaSeconds float64) Frame {
	s.mu.Lock()
	now := s.clock.Now()
	s.reconciler.Advance(deltaSeconds)

	var tracked *realtime.Presence
	if s.channel != nil && s.presenceReady && s.reconciler.ShouldBroadcastPresence(now) {
		p := toPresence(s.reconciler.LocalSample(now))
		tracked = &p
		s.reconciler.MarkPresenceBroadcast(now)
	}

	out := s.timer.Tick()
	frame := s.frameLocked()
	ch := s.channel
	s.mu.Unlock()

	if tracked != nil {
		s.track(ch, *tracked)
	}
	s.send(ch, out)
	return frame
}

// Snapshot renders the current frame without advancing time
func (s *LoungeSession) Snapshot() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameLocked()
}

// Timer renders the current timer
func (s *LoungeSession) Timer() TimerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerViewLocked()
}

// ToggleMode switches between the solo and the shared timer
func (s *LoungeSession) ToggleMode() TimerView {
	return s.act(s.timer.ToggleMode)
}

// StartStop starts or pauses the timer
func (s *LoungeSession) StartStop() TimerView {
	return s.act(s.timer.StartStop)
}

// Reset stops the timer at the start of a focus phase
func (s *LoungeSession) Reset() TimerView {
	return s.act(s.timer.Reset)
}

// SkipPhase jumps to the next phase
func (s *LoungeSession) SkipPhase() TimerView {
	return s.act(s.timer.SkipPhase)
}

// SetTarget points the local avatar at a normalized scene position
func (s *LoungeSession) SetTarget(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.SetTarget(x, y)
}

// SetDurations changes the phase lengths. The live timer is clamped into
// the new bounds; nothing is broadcast.
func (s *LoungeSession) SetDurations(focusMinutes, breakMinutes int) (TimerView, error) {
	d, err := timer.DurationsFromMinutes(focusMinutes, breakMinutes)
	if err != nil {
		return TimerView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer.SetDurations(d)
	return s.timerViewLocked(), nil
}

func (s *LoungeSession) act(action func() []timer.Outbound) TimerView {
	s.mu.Lock()
	out := action()
	view := s.timerViewLocked()
	ch := s.channel
	s.mu.Unlock()

	s.send(ch, out)
	return view
}

func (s *LoungeSession) handleStatus(ch realtime.Channel, status realtime.Status) {
	if status != realtime.StatusSubscribed {
		s.logger.Warn("Channel status changed", zap.String("status", string(status)))
		s.mu.Lock()
		if s.channel == ch {
			s.presenceReady = false
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.channel != ch {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	initial := toPresence(s.reconciler.LocalSample(now))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := ch.Track(ctx, initial); err != nil {
		s.logger.Warn("Failed to track initial presence", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.channel == ch {
		s.presenceReady = true
		s.reconciler.MarkPresenceBroadcast(now)
	}
	s.mu.Unlock()
	s.logger.Debug("Presence ready")
}

func (s *LoungeSession) handlePresenceSync(ch realtime.Channel, state realtime.PresenceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != ch {
		return
	}
	s.reconciler.Ingest(toAggregate(state))
}

func (s *LoungeSession) handleBroadcast(ch realtime.Channel, event string, raw json.RawMessage) {
	s.mu.Lock()
	current := s.channel == ch
	s.mu.Unlock()
	if current {
		s.HandleMessage(event, raw)
	}
}

func (s *LoungeSession) track(ch realtime.Channel, p realtime.Presence) {
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := ch.Track(ctx, p); err != nil {
		s.logger.Debug("Presence update dropped", zap.Error(err))
	}
}

func (s *LoungeSession) send(ch realtime.Channel, out []timer.Outbound) {
	if len(out) == 0 {
		return
	}
	if ch == nil {
		s.logger.Debug("Not joined, dropping outbound messages", zap.Int("count", len(out)))
		return
	}
	for _, msg := range out {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := ch.Broadcast(ctx, msg.Event, msg.Payload)
		cancel()
		if err != nil {
			s.logger.Warn("Broadcast dropped", zap.String("event", msg.Event), zap.Error(err))
		}
	}
}

func (s *LoungeSession) frameLocked() Frame {
	return Frame{
		Room:        s.cfg.Room,
		SelfID:      s.cfg.Identity.GuestID,
		Avatars:     s.reconciler.RenderList(),
		OnlineCount: s.reconciler.OnlineCount(),
		Timer:       s.timerViewLocked(),
	}
}

func (s *LoungeSession) timerViewLocked() TimerView {
	return NewTimerView(s.timer.State(), s.timer.Durations(), s.reconciler.OnlineCount())
}

func toPresence(sample presence.Sample) realtime.Presence {
	return realtime.Presence{
		ID:        sample.ID,
		Name:      sample.Name,
		Color:     sample.Color,
		X:         sample.X,
		Y:         sample.Y,
		UpdatedAt: sample.UpdatedAt.UnixMilli(),
	}
}

func toAggregate(state realtime.PresenceState) presence.Aggregate {
	agg := make(presence.Aggregate, len(state))
	for key, entries := range state {
		samples := make([]presence.Sample, 0, len(entries))
		for _, p := range entries {
			samples = append(samples, presence.Sample{
				ID:        p.ID,
				Name:      p.Name,
				Color:     p.Color,
				X:         p.X,
				Y:         p.Y,
				UpdatedAt: time.UnixMilli(p.UpdatedAt),
			})
		}
		agg[key] = samples
	}
	return agg
}
