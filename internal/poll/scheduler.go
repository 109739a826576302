// Package poll runs a recurring task whose interval may change between
// ticks.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"fleet-console/internal/state"
)

var (
	ErrStopped        = errors.New("scheduler stopped")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrInvalidPeriod  = errors.New("interval must be positive")
)

// TickFunc is the recurring task. Its error is logged; the scheduler keeps
// running regardless.
type TickFunc func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	Clock  clock.Clock
	Tick   TickFunc
	Logger *slog.Logger
	// OnTick is called on the scheduler goroutine after every tick, once
	// the next tick has been armed. Optional.
	OnTick func(state.PollState)
}

// Scheduler owns a single timer. The next tick is armed only after the
// previous tick returned, so ticks never overlap.
type Scheduler struct {
	clock  clock.Clock
	tick   TickFunc
	onTick func(state.PollState)
	logger *slog.Logger

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	derived  time.Duration
	active   bool
	lastTick time.Time
	timer    clock.Timer
	seq      uint64
	started  bool
	stopped  bool
	cancel   context.CancelFunc

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an enabled, not yet started scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		clock:   opts.Clock,
		tick:    opts.Tick,
		onTick:  opts.OnTick,
		logger:  opts.Logger.With("component", "poll"),
		enabled: true,
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start arms the first tick after interval and runs the scheduler until
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidPeriod
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.interval = interval
	if s.enabled {
		s.arm(s.effective())
	}
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		defer cancel()
		s.run(ctx)
	}()
	s.logger.Info("poll scheduler started", "interval", interval, "enabled", s.State().Enabled)
	return nil
}

// Stop tears the scheduler down and cancels a running tick. It is safe to
// call more than once and before Start; a stopped scheduler cannot be
// restarted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.disarm()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		close(s.stopCh)
		if started {
			<-s.done
		}
	})
}

// SetEnabled pauses or resumes ticking. The configured interval survives
// a pause.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	if !s.running() {
		return
	}
	if enabled {
		s.arm(s.effective())
	} else {
		s.disarm()
	}
}

// SetInterval changes the configured interval. A pending tick is
// rescheduled to fire after the new interval, counted from now.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	if !s.active {
		s.derived = 0
	}
	if s.running() && s.enabled && s.timer != nil {
		s.arm(s.effective())
	}
	return nil
}

// NotifyState sets the interval derived from the latest observed state.
// It applies from the next armed tick on; a zero interval falls back to
// the configured one.
func (s *Scheduler) NotifyState(derived time.Duration, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if derived < 0 {
		derived = 0
	}
	s.derived = derived
	s.active = active
}

// State reports the scheduler's current configuration.
func (s *Scheduler) State() state.PollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() state.PollState {
	return state.PollState{
		Enabled:             s.enabled,
		IntervalMs:          s.interval.Milliseconds(),
		EffectiveIntervalMs: s.effective().Milliseconds(),
		LastTickAt:          s.lastTick,
		ActiveMode:          s.active,
	}
}

func (s *Scheduler) running() bool {
	return s.started && !s.stopped
}

func (s *Scheduler) effective() time.Duration {
	if s.derived > 0 {
		return s.derived
	}
	return s.interval
}

// arm replaces the pending timer. Callers hold s.mu.
func (s *Scheduler) arm(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.NewTimer(d)
	s.seq++
	intervalSeconds.Set(d.Seconds())
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// disarm drops the pending timer. Callers hold s.mu.
func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.C()
		}
		seq := s.seq
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.kick:
		case <-fire:
			s.mu.Lock()
			if seq != s.seq || s.timer == nil {
				// Fired just before being replaced.
				s.mu.Unlock()
				continue
			}
			s.timer = nil
			s.mu.Unlock()

			s.runTick(ctx)

			s.mu.Lock()
			s.lastTick = s.clock.Now()
			if s.running() && s.enabled && s.timer == nil {
				s.arm(s.effective())
			}
			st := s.stateLocked()
			s.mu.Unlock()

			if s.onTick != nil {
				s.onTick(st)
			}
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ticks.WithLabelValues("panic").Inc()
			s.logger.Error("poll tick panic", "panic", r)
		}
	}()
	if err := s.tick(ctx); err != nil {
		ticks.WithLabelValues("error").Inc()
		s.logger.Warn("poll tick failed", "err", err)
		return
	}
	ticks.WithLabelValues("ok").Inc()
}
