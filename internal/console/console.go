// Package console is the facade of the fleet console engine. It owns the
// selection, the stage cascade and the poll scheduler, and serializes all
// state changes on a single event-loop goroutine.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"fleet-console/internal/cascade"
	"fleet-console/internal/fence"
	"fleet-console/internal/fleet"
	"fleet-console/internal/policy"
	"fleet-console/internal/poll"
	"fleet-console/internal/state"
	"fleet-console/internal/store"
	"fleet-console/internal/validate"
)

var (
	ErrUnknownField    = errors.New("unknown selection field")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrUnknownValue    = errors.New("value not in the loaded list")
	ErrInvalidInterval = errors.New("invalid poll interval")
	ErrNotStarted      = errors.New("console not started")
	ErrClosed          = errors.New("console closed")
)

// Backend is the robot API the console loads from.
type Backend interface {
	Shops(ctx context.Context, offset, limit int) ([]fleet.Shop, error)
	Robots(ctx context.Context, shopID string, offset, limit int) ([]fleet.Robot, error)
	Validity(ctx context.Context, sn string) (fleet.Validity, error)
	RobotDetail(ctx context.Context, sn string) (*fleet.RobotDetail, error)
	Tasks(ctx context.Context, shopID, sn string, offset, limit int) ([]fleet.Task, error)
	Maps(ctx context.Context, sn string, offset, limit int) ([]fleet.Map, error)
	Schedules(ctx context.Context, sn string, offset, limit int) ([]fleet.Schedule, error)
	Points(ctx context.Context, sn, mapName string, offset, limit int) ([]fleet.Point, error)
}

// Preferences persists operator choices. store.BoltStore implements it.
type Preferences interface {
	GetPreferences() (*store.Preferences, error)
	UpdatePreferences(fn func(p *store.Preferences) error) error
}

// Config tunes the console.
type Config struct {
	PageSize            int
	MaxPages            int
	ValidateConcurrency int
	PollInterval        time.Duration
	PollEnabled         bool
	MinPollInterval     time.Duration
	ActiveInterval      time.Duration
}

// Options wires a Console to its collaborators. Prefs, Policy and Clock
// are optional.
type Options struct {
	Backend Backend
	Prefs   Preferences
	Policy  policy.Policy
	Clock   clock.Clock
	Logger  *slog.Logger
	Config  Config
}

// PollConfig is the operator-facing poll configuration.
type PollConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Console is the engine facade. Its methods are safe for concurrent use.
type Console struct {
	cfg     Config
	backend Backend
	prefs   Preferences
	policy  policy.Policy
	clock   clock.Clock
	logger  *slog.Logger

	store     *state.Store
	fence     *fence.Fence
	validator *validate.Validator
	loader    *cascade.Loader
	sched     *poll.Scheduler

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	// owned by the loop
	savedShop, savedDevice string
	// restored device, picked once the devices stage lists it
	preferDevice string
}

// New creates a console. Nothing is loaded until Start.
func New(opts Options) (*Console, error) {
	if opts.Backend == nil {
		return nil, errors.New("console: backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	cfg := opts.Config
	if cfg.PageSize <= 0 {
		cfg.PageSize = cascade.DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = cascade.DefaultMaxPages
	}
	if cfg.ValidateConcurrency <= 0 {
		cfg.ValidateConcurrency = 4
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollInterval < cfg.MinPollInterval {
		return nil, fmt.Errorf("%w: %v is below the minimum %v", ErrInvalidInterval, cfg.PollInterval, cfg.MinPollInterval)
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default{Active: cfg.ActiveInterval}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		cfg:     cfg,
		backend: opts.Backend,
		prefs:   opts.Prefs,
		policy:  opts.Policy,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "console"),
		store:   state.NewStore(opts.Logger),
		fence:   fence.New(),
		ops:     make(chan func(), 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.validator = validate.New(c.checkValidity, nil, opts.Logger)

	loader, err := cascade.NewLoader(cascade.Options{
		Store:    c.store,
		Fence:    c.fence,
		Post:     c.post,
		Context:  ctx,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		OnCommit: c.onCommit,
	}, c.stages()...)
	if err != nil {
		cancel()
		return nil, err
	}
	c.loader = loader

	c.sched = poll.New(poll.Options{
		Clock:  opts.Clock,
		Tick:   c.pollTick,
		Logger: opts.Logger,
		OnTick: func(state.PollState) { c.post(c.syncPoll) },
	})
	_ = c.sched.SetInterval(cfg.PollInterval)
	c.sched.SetEnabled(cfg.PollEnabled)
	return c, nil
}

// Start restores the saved preferences, loads the shop list and starts
// polling.
func (c *Console) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("console already started")
	}
	go c.run()

	interval := c.cfg.PollInterval
	err := c.do(ctx, func() error {
		interval = c.restore()
		c.syncPoll()
		c.loader.Propagate()
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.sched.Start(c.ctx, interval); err != nil {
		return fmt.Errorf("start poll scheduler: %w", err)
	}
	c.logger.Info("console started", "poll_interval", interval, "poll_enabled", c.sched.State().Enabled)
	return nil
}

// Stop halts polling and the event loop. In-flight loads are cancelled.
func (c *Console) Stop() {
	c.stopOnce.Do(func() {
		c.sched.Stop()
		c.cancel()
		if c.started.Load() {
			<-c.done
		}
		c.logger.Info("console stopped")
	})
}

func (c *Console) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

// post queues fn on the loop. It is dropped once the console is stopped.
func (c *Console) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.ctx.Done():
	}
}

// do runs fn on the loop and waits for its result.
func (c *Console) do(ctx context.Context, fn func() error) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Snapshot returns the current state. It must not be modified.
func (c *Console) Snapshot() *state.Snapshot {
	return c.store.Snapshot()
}

// Subscribe registers fn for every published snapshot and returns the
// unsubscribe function. fn runs on the event loop and must not block.
func (c *Console) Subscribe(fn func(*state.Snapshot)) func() {
	return c.store.Subscribe(fn)
}

// Select changes one selection field and reloads the dependent stages.
// Selecting a device that failed validation returns a
// *fleet.ValidationError; a value absent from the settled list of its
// stage returns ErrUnknownValue. An empty value clears the field.
func (c *Console) Select(ctx context.Context, field state.Field, value string) error {
	if _, err := state.ParseField(string(field)); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return c.do(ctx, func() error {
		if value != "" {
			if field == state.FieldDevice {
				if v, ok := c.validator.Cache().Get(value); ok && !v.Valid {
					return v.Err(value)
				}
			}
			if listed, ok := c.loader.Lists(field, value); ok && !listed {
				return fmt.Errorf("%w: %s %q", ErrUnknownValue, field, value)
			}
		}
		changed, err := c.loader.Select(field, value)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		c.preferDevice = ""
		c.logger.Info("selection changed", "field", field, "value", value, "cleared", len(changed)-1)
		if slices.Contains(changed, state.FieldDevice) {
			c.resetPolicy()
		}
		c.savePreferences()
		return nil
	})
}

// Refresh re-dispatches one stage for the unchanged selection. It
// returns once the load is dispatched.
func (c *Console) Refresh(ctx context.Context, stage state.StageID) error {
	_, err := c.trigger(ctx, stage)
	return err
}

// RefreshAndWait re-dispatches stage and waits until it settled. A
// refresh that was superseded by a newer one is not an error.
func (c *Console) RefreshAndWait(ctx context.Context, stage state.StageID) error {
	a, err := c.trigger(ctx, stage)
	if err != nil {
		return err
	}
	if err := a.Wait(ctx); err != nil && !errors.Is(err, fence.ErrStale) {
		return err
	}
	return nil
}

func (c *Console) trigger(ctx context.Context, stage state.StageID) (*cascade.Attempt, error) {
	if !c.loader.Has(stage) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	var a *cascade.Attempt
	err := c.do(ctx, func() error {
		a = c.loader.Trigger(stage)
		return nil
	})
	return a, err
}

// SetPollConfig reconfigures the poll scheduler. A shorter interval takes
// effect immediately.
func (c *Console) SetPollConfig(ctx context.Context, pc PollConfig) error {
	if pc.Interval < c.cfg.MinPollInterval {
		return fmt.Errorf("%w: %v is below the minimum %v", ErrInvalidInterval, pc.Interval, c.cfg.MinPollInterval)
	}
	return c.do(ctx, func() error {
		if err := c.sched.SetInterval(pc.Interval); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInterval, err)
		}
		c.sched.SetEnabled(pc.Enabled)
		c.syncPoll()
		c.logger.Info("poll config changed", "enabled", pc.Enabled, "interval", pc.Interval)
		c.savePreferences()
		return nil
	})
}

// PollConfig returns the configured poll settings.
func (c *Console) PollConfig() PollConfig {
	st := c.sched.State()
	return PollConfig{Enabled: st.Enabled, Interval: time.Duration(st.IntervalMs) * time.Millisecond}
}

// Reset drops the selection and every loaded stage and starts over from
// the shop list. The poll configuration is kept.
func (c *Console) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.loader.Reset()
		c.store.Reset()
		c.preferDevice = ""
		c.resetPolicy()
		c.logger.Info("console reset")
		c.loader.Propagate()
		return nil
	})
}

func (c *Console) pollTick(ctx context.Context) error {
	return c.RefreshAndWait(ctx, state.StageDetail)
}

// onCommit runs on the loop after every committed stage.
func (c *Console) onCommit(id state.StageID, snap *state.Snapshot) {
	switch id {
	case state.StageDetail:
		detail, _ := snap.Stage(id).Data.(*fleet.RobotDetail)
		d, active := c.policy.Interval(detail, c.PollConfig().Interval)
		if d > 0 && d < c.cfg.MinPollInterval {
			c.logger.Debug("policy interval raised to minimum", "interval", d, "min", c.cfg.MinPollInterval)
			d = c.cfg.MinPollInterval
		}
		c.sched.NotifyState(d, active)
		c.syncPoll()
	case state.StageShops, state.StageDevices:
		if id == state.StageDevices && snap.Stage(id).Err == nil {
			c.preferDevice = ""
		}
		if snap.Selection.Shop != c.savedShop || snap.Selection.Device != c.savedDevice {
			c.savePreferences()
		}
	}
}

// resetPolicy drops the interval derived from the previous robot.
func (c *Console) resetPolicy() {
	c.sched.NotifyState(0, false)
	c.syncPoll()
}

// syncPoll mirrors the scheduler state into the snapshot.
func (c *Console) syncPoll() {
	ps := c.sched.State()
	if c.store.Snapshot().Poll == ps {
		return
	}
	c.store.Update(func(next *state.Snapshot) {
		next.Poll = ps
	})
}

// restore applies saved preferences and returns the poll interval to
// start with.
func (c *Console) restore() time.Duration {
	interval := c.cfg.PollInterval
	if c.prefs == nil {
		return interval
	}
	p, err := c.prefs.GetPreferences()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load preferences", "err", err)
		}
		return interval
	}
	if d := p.PollInterval(); d >= c.cfg.MinPollInterval {
		interval = d
		_ = c.sched.SetInterval(d)
		c.sched.SetEnabled(p.PollEnabled)
	}
	c.savedShop, c.savedDevice = p.LastShop, p.LastDevice
	if p.LastShop != "" {
		// The device is not selected before the shop's list confirms it.
		c.preferDevice = p.LastDevice
		c.store.Update(func(next *state.Snapshot) {
			next.Selection.Shop = p.LastShop
		})
	}
	c.logger.Info("preferences restored", "shop", p.LastShop, "device", p.LastDevice, "poll_interval", interval)
	return interval
}

func (c *Console) savePreferences() {
	if c.prefs == nil {
		return
	}
	sel := c.store.Snapshot().Selection
	device := sel.Device
	if device == "" {
		device = c.preferDevice
	}
	pc := c.PollConfig()
	err := c.prefs.UpdatePreferences(func(p *store.Preferences) error {
		p.PollEnabled = pc.Enabled
		p.PollIntervalMs = pc.Interval.Milliseconds()
		p.LastShop = sel.Shop
		p.LastDevice = device
		return nil
	})
	if err != nil {
		c.logger.Warn("save preferences", "err", err)
		return
	}
	c.savedShop, c.savedDevice = sel.Shop, device
}
