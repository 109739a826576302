// Package validate filters robot identities through an asynchronous
// validity check with a concurrency ceiling and a session cache.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"fleet-console/internal/fleet"
)

// ErrUnreachable is returned when every dispatched check failed with a
// network error, i.e. the validity endpoint itself is down.
var ErrUnreachable = errors.New("validity endpoint unreachable")

// Verdict is the cached outcome of a validity check.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Err returns a *fleet.ValidationError for an invalid verdict, nil otherwise.
func (v Verdict) Err(sn string) error {
	if v.Valid {
		return nil
	}
	return &fleet.ValidationError{SN: sn, Reason: v.Reason}
}

// CheckFunc performs a single validity check.
type CheckFunc func(ctx context.Context, id string) (Verdict, error)

// Validator maps identities to verdicts with bounded parallelism.
type Validator struct {
	check  CheckFunc
	cache  *Cache
	logger *slog.Logger
}

// New creates a validator. A nil cache gets a fresh one.
func New(check CheckFunc, cache *Cache, logger *slog.Logger) *Validator {
	if cache == nil {
		cache = NewCache()
	}
	return &Validator{
		check:  check,
		cache:  cache,
		logger: logger.With("component", "validator"),
	}
}

// Cache returns the verdict cache.
func (v *Validator) Cache() *Cache {
	return v.cache
}

// ValidateAll returns a verdict for every distinct item. Cached items are
// answered without a network call; the rest are checked by at most
// concurrency workers that pull from a shared cursor in input order.
//
// A failed check becomes an invalid verdict with the classified error as
// reason and does not stop the other workers. If every check failed with
// a network error the batch returns ErrUnreachable and caches nothing.
// If ctx ends, the batch returns ctx's error and caches only the checks
// that completed.
func (v *Validator) ValidateAll(ctx context.Context, items []string, concurrency int) (map[string]Verdict, error) {
	result := make(map[string]Verdict, len(items))
	seen := make(map[string]struct{}, len(items))
	var pending []string
	for _, id := range items {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if verdict, ok := v.cache.Get(id); ok {
			result[id] = verdict
			cacheLookups.WithLabelValues("hit").Inc()
			continue
		}
		cacheLookups.WithLabelValues("miss").Inc()
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return result, nil
	}

	workers := concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	verdicts := make([]Verdict, len(pending))
	errs := make([]error, len(pending))
	done := make([]bool, len(pending))
	var cursor atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(pending) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				verdicts[i], errs[i] = v.check(gctx, pending[i])
				done[i] = true
			}
		})
	}
	err := g.Wait()
	if err == nil {
		// cancelled while the last checks were running
		err = ctx.Err()
	}
	if err != nil {
		for i, id := range pending {
			if done[i] && errs[i] == nil {
				v.cache.Store(id, verdicts[i])
			}
		}
		return nil, err
	}

	networkFailures := 0
	var lastErr error
	for _, err := range errs {
		if err != nil && fleet.IsNetwork(err) {
			networkFailures++
			lastErr = err
		}
	}
	if networkFailures == len(pending) {
		v.logger.Warn("validity endpoint unreachable", "items", len(pending), "err", lastErr)
		return nil, fmt.Errorf("%w: %d checks failed: %v", ErrUnreachable, networkFailures, lastErr)
	}

	for i, id := range pending {
		verdict := verdicts[i]
		if errs[i] != nil {
			verdict = Verdict{Valid: false, Reason: fleet.Classify(errs[i]) + ": " + errs[i].Error()}
			v.logger.Debug("validity check failed", "sn", id, "err", errs[i])
		}
		result[id] = v.cache.Store(id, verdict)
	}
	return result, nil
}
