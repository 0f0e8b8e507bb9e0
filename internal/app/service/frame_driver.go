package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Advancer runs one frame of the lounge
type Advancer interface {
	Advance(deltaSeconds float64) Frame
}

// FrameListener receives every rendered frame. It is called on the driver
// goroutine and must not block.
type FrameListener func(Frame)

// FrameDriver ticks the session at a fixed frame rate and fans the rendered
// frames out to listeners.
type FrameDriver struct {
	logger        *logger.Logger
	session       Advancer
	clock         clockwork.Clock
	interval      time.Duration
	maxFrameDelta time.Duration

	mu        sync.RWMutex
	listeners map[string]FrameListener
	lastFrame time.Time
	stopChan  chan struct{}
	done      chan struct{}
}

// NewFrameDriver creates a driver that is not running yet
func NewFrameDriver(log *logger.Logger, session Advancer, clock clockwork.Clock, interval, maxFrameDelta time.Duration) *FrameDriver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second / 60
	}
	if maxFrameDelta <= 0 {
		maxFrameDelta = 120 * time.Millisecond
	}
	return &FrameDriver{
		logger:        log.WithComponent("frame-driver"),
		session:       session,
		clock:         clock,
		interval:      interval,
		maxFrameDelta: maxFrameDelta,
		listeners:     make(map[string]FrameListener),
	}
}

// Start runs the frame loop until ctx is done or Stop is called
func (fd *FrameDriver) Start(ctx context.Context) {
	fd.mu.Lock()
	if fd.stopChan != nil {
		fd.mu.Unlock()
		return
	}
	fd.stopChan = make(chan struct{})
	fd.done = make(chan struct{})
	fd.lastFrame = fd.clock.Now()
	stop, done := fd.stopChan, fd.done
	fd.mu.Unlock()

	ticker := fd.clock.NewTicker(fd.interval)

	fd.logger.Info("Starting frame driver",
		zap.Duration("frame_interval", fd.interval),
		zap.Duration("max_frame_delta", fd.maxFrameDelta))

	go fd.loop(ctx, ticker, stop, done)
}

// Stop halts the frame loop and waits for it to exit
func (fd *FrameDriver) Stop() {
	fd.mu.Lock()
	stop, done := fd.stopChan, fd.done
	fd.stopChan, fd.done = nil, nil
	fd.mu.Unlock()

	if stop == nil {
		return
	}
	fd.logger.Info("Stopping frame driver")
	close(stop)
	<-done
}

// Subscribe registers a frame listener and returns its cancel func
func (fd *FrameDriver) Subscribe(fn FrameListener) func() {
	id := uuid.NewString()
	fd.mu.Lock()
	fd.listeners[id] = fn
	fd.mu.Unlock()

	return func() {
		fd.mu.Lock()
		delete(fd.listeners, id)
		fd.mu.Unlock()
	}
}

// Step runs a single frame using the time elapsed since the previous one
func (fd *FrameDriver) Step() Frame {
	now := fd.clock.Now()

	fd.mu.Lock()
	delta := now.Sub(fd.lastFrame)
	if fd.lastFrame.IsZero() || delta < 0 {
		delta = 0
	}
	fd.lastFrame = now
	fd.mu.Unlock()

	delta = min(delta, fd.maxFrameDelta)
	frame := fd.session.Advance(delta.Seconds())

	fd.mu.RLock()
	listeners := make([]FrameListener, 0, len(fd.listeners))
	for _, fn := range fd.listeners {
		listeners = append(listeners, fn)
	}
	fd.mu.RUnlock()

	for _, fn := range listeners {
		fn(frame)
	}
	return frame
}

func (fd *FrameDriver) loop(ctx context.Context, ticker clockwork.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			fd.Step()
		}
	}
}
