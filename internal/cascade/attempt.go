package cascade

import (
	"context"

	"fleet-console/internal/fence"
	"fleet-console/internal/state"
)

// Outcome is how an attempt ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	// OutcomeSettled means the data was committed.
	OutcomeSettled
	// OutcomeFailed means the error was committed as the stage's error.
	OutcomeFailed
	// OutcomeFenced means a newer attempt superseded this one.
	OutcomeFenced
	// OutcomeCleared means the stage's prerequisites were missing.
	OutcomeCleared
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeFailed:
		return "failed"
	case OutcomeFenced:
		return "fenced"
	case OutcomeCleared:
		return "cleared"
	default:
		return "pending"
	}
}

// Attempt is a handle on one dispatched stage load.
type Attempt struct {
	Stage      state.StageID
	Scope      string
	Generation fence.Generation

	done    chan struct{}
	outcome Outcome
	err     error
}

func newAttempt(id state.StageID, scope string, gen fence.Generation) *Attempt {
	return &Attempt{Stage: id, Scope: scope, Generation: gen, done: make(chan struct{})}
}

func (a *Attempt) finish(o Outcome, err error) {
	a.outcome = o
	a.err = err
	close(a.done)
}

// Done is closed when the attempt has ended.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome is valid after Done is closed.
func (a *Attempt) Outcome() Outcome {
	select {
	case <-a.done:
		return a.outcome
	default:
		return OutcomePending
	}
}

// Err returns the load error of a failed attempt, fence.ErrStale for a
// fenced one and nil otherwise.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attempt ends or ctx is done and returns Err.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
