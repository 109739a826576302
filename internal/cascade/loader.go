package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"k8s.io/utils/clock"

	"fleet-console/internal/fence"
	"fleet-console/internal/fleet"
	"fleet-console/internal/state"
)

// CommitHook is called on the loop after a stage committed data or an error,
// before waiters on the attempt are released.
type CommitHook func(id state.StageID, snap *state.Snapshot)

// Options wires a Loader to its collaborators.
type Options struct {
	Store *state.Store
	Fence *fence.Fence
	// Post schedules fn on the goroutine that owns the loader. Load
	// completions are delivered through it.
	Post func(fn func())
	// Context is the parent of every load context. Defaults to Background.
	Context context.Context
	Clock   clock.PassiveClock
	Logger  *slog.Logger
	// OnCommit is optional.
	OnCommit CommitHook
}

// Loader dispatches stage loads and keeps the selection consistent with
// the loaded lists. All methods must be called from the goroutine that
// runs the functions passed to Options.Post.
type Loader struct {
	opts   Options
	stages map[state.StageID]*Stage
	order  []state.StageID
	logger *slog.Logger
}

// NewLoader creates a loader for stages. Stages are propagated in the
// order given, so upstream stages must come first.
func NewLoader(opts Options, stages ...Stage) (*Loader, error) {
	if opts.Store == nil || opts.Fence == nil || opts.Post == nil {
		return nil, fmt.Errorf("cascade: store, fence and post are required")
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Loader{
		opts:   opts,
		stages: make(map[state.StageID]*Stage, len(stages)),
		logger: opts.Logger.With("component", "cascade"),
	}
	for i := range stages {
		st := stages[i]
		if st.Load == nil {
			return nil, fmt.Errorf("cascade: stage %s has no load func", st.ID)
		}
		if st.Owns != "" && st.IDs == nil {
			return nil, fmt.Errorf("cascade: stage %s owns %s but lists no ids", st.ID, st.Owns)
		}
		if _, dup := l.stages[st.ID]; dup {
			return nil, fmt.Errorf("cascade: duplicate stage %s", st.ID)
		}
		l.stages[st.ID] = &st
		l.order = append(l.order, st.ID)
	}
	return l, nil
}

// Has reports whether id is a known stage.
func (l *Loader) Has(id state.StageID) bool {
	_, ok := l.stages[id]
	return ok
}

// Stages returns the stage ids in propagation order.
func (l *Loader) Stages() []state.StageID {
	return append([]state.StageID(nil), l.order...)
}

// Lists reports whether value appears in the settled list of the stage
// that owns field. ok is false when no list for the current selection is
// available yet.
func (l *Loader) Lists(field state.Field, value string) (listed, ok bool) {
	for _, id := range l.order {
		st := l.stages[id]
		if st.Owns != field {
			continue
		}
		snap := l.opts.Store.Snapshot()
		ss := snap.Stage(id)
		scope, ready := st.Scope(snap.Selection)
		if !ready || ss.Status != state.StatusSettled || ss.Scope != scope || ss.Data == nil {
			return false, false
		}
		return slices.Contains(st.IDs(ss.Data), value), true
	}
	return false, false
}

// Trigger dispatches a fresh load of id for the current selection. Any
// attempt in flight for id is fenced. If a prerequisite of id is not
// selected the stage is cleared instead and the returned attempt has
// already ended with OutcomeCleared.
func (l *Loader) Trigger(id state.StageID) *Attempt {
	st, ok := l.stages[id]
	if !ok {
		a := newAttempt(id, "", 0)
		a.finish(OutcomeCleared, fmt.Errorf("unknown stage %q", id))
		return a
	}

	sel := l.opts.Store.Snapshot().Selection
	scope, ok := st.Scope(sel)
	if !ok {
		l.clear(st)
		a := newAttempt(id, "", 0)
		a.finish(OutcomeCleared, nil)
		return a
	}

	ctx, cancel := context.WithCancel(l.opts.Context)
	gen := l.opts.Fence.Begin(fence.Key(id), cancel)
	a := newAttempt(id, scope, gen)

	l.opts.Store.Update(func(next *state.Snapshot) {
		ss := next.Stage(id)
		if ss.Scope != scope {
			ss.Data = nil
			ss.Err = nil
		}
		ss.Scope = scope
		ss.Status = state.StatusLoading
		ss.Loading = true
		ss.Generation = uint64(gen)
		next.Stages[id] = ss
	})
	l.logger.Debug("stage dispatched", "stage", id, "scope", scope, "generation", gen)

	go func() {
		defer cancel()
		data, err := st.Load(ctx, sel)
		l.opts.Post(func() {
			l.complete(st, a, data, err)
		})
	}()
	return a
}

func (l *Loader) complete(st *Stage, a *Attempt, data any, err error) {
	key := fence.Key(st.ID)
	if !l.opts.Fence.Commit(key, a.Generation, nil) {
		l.logger.Debug("stale response discarded", "stage", st.ID, "scope", a.Scope, "generation", a.Generation)
		stageLoads.WithLabelValues(string(st.ID), OutcomeFenced.String()).Inc()
		a.finish(OutcomeFenced, fence.ErrStale)
		return
	}

	now := l.opts.Clock.Now()
	if err != nil {
		kind := fleet.Classify(err)
		l.logger.Warn("stage load failed", "stage", st.ID, "scope", a.Scope, "kind", kind, "err", err)
		snap := l.opts.Store.Update(func(next *state.Snapshot) {
			ss := next.Stage(st.ID)
			ss.Status = state.StatusSettled
			ss.Loading = false
			ss.Err = &state.Failure{Kind: kind, Message: err.Error()}
			ss.UpdatedAt = now
			next.Stages[st.ID] = ss
		})
		stageLoads.WithLabelValues(string(st.ID), OutcomeFailed.String()).Inc()
		// Waiters resume only after the commit hook ran.
		l.hook(st.ID, snap)
		a.finish(OutcomeFailed, err)
		return
	}

	var changed []state.Field
	snap := l.opts.Store.Update(func(next *state.Snapshot) {
		next.Stages[st.ID] = state.StageState{
			Scope:      a.Scope,
			Status:     state.StatusSettled,
			Data:       data,
			Generation: uint64(a.Generation),
			UpdatedAt:  now,
		}
		if st.Owns == "" {
			return
		}
		current := next.Selection.Get(st.Owns)
		want := current
		if want == "" && st.Prefer != nil {
			want = st.Prefer()
		}
		pick := fallback(want, st.IDs(data))
		if pick != current {
			// ids come from loaded data; an unparsable task ref is left unselected.
			var err error
			if changed, err = next.Selection.Set(st.Owns, pick); err != nil {
				changed, _ = next.Selection.Set(st.Owns, "")
			}
		}
	})
	if len(changed) > 0 {
		l.logger.Debug("selection reconciled", "stage", st.ID, "field", st.Owns, "value", snap.Selection.Get(st.Owns))
	}
	stageLoads.WithLabelValues(string(st.ID), OutcomeSettled.String()).Inc()
	l.hook(st.ID, snap)
	a.finish(OutcomeSettled, nil)
	l.Propagate()
}

func (l *Loader) hook(id state.StageID, snap *state.Snapshot) {
	if l.opts.OnCommit != nil {
		l.opts.OnCommit(id, snap)
	}
}

// Select sets field to value, clears the fields derived from it and
// reloads every stage whose scope changed. It returns the changed fields.
func (l *Loader) Select(field state.Field, value string) ([]state.Field, error) {
	sel := l.opts.Store.Snapshot().Selection
	changed, err := sel.Set(field, value)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	l.opts.Store.Update(func(next *state.Snapshot) {
		next.Selection = sel
	})
	l.Propagate()
	return changed, nil
}

// Propagate brings every stage in line with the current selection: stages
// whose scope changed are reloaded, stages missing a prerequisite are
// cleared.
func (l *Loader) Propagate() {
	for _, id := range l.order {
		st := l.stages[id]
		snap := l.opts.Store.Snapshot()
		scope, ok := st.Scope(snap.Selection)
		cur := snap.Stage(id)
		if !ok {
			if cur.Status != state.StatusIdle || cur.Scope != "" || l.opts.Fence.Pending(fence.Key(id)) {
				l.clear(st)
			}
			continue
		}
		if cur.Scope != scope {
			l.Trigger(id)
		}
	}
}

// clear fences id and resets it to idle.
func (l *Loader) clear(st *Stage) {
	l.opts.Fence.Invalidate(fence.Key(st.ID))
	l.opts.Store.Update(func(next *state.Snapshot) {
		delete(next.Stages, st.ID)
	})
	l.logger.Debug("stage cleared", "stage", st.ID)
}

// Reset fences every stage. The caller resets the store.
func (l *Loader) Reset() {
	l.opts.Fence.InvalidateAll()
}
