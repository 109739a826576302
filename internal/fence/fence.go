// Package fence issues per-key generation tokens so that responses of
// superseded requests can be recognised and dropped when they arrive.
//
// Every dispatch calls Begin before starting I/O. When the response
// arrives the caller gates its state mutation with Commit, which only
// applies the mutation if no newer Begin (or Invalidate) happened for the
// same key in the meantime. Successes and failures go through the same
// gate, so a slow failure never clobbers a fast success and vice versa.
package fence

import (
	"context"
	"errors"
	"sync"
)

// ErrStale marks a response that was dropped because a newer attempt
// exists for its key. It is never surfaced to users.
var ErrStale = errors.New("stale response discarded")

// Key identifies a logical, repeatable fetch.
type Key string

// Generation is a per-key attempt counter. Zero is never issued.
type Generation uint64

type slot struct {
	current Generation
	settled Generation
	cancel  context.CancelFunc
}

// Fence tracks the current generation of every key. It is safe for
// concurrent use.
type Fence struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

// New creates an empty fence.
func New() *Fence {
	return &Fence{slots: make(map[Key]*slot)}
}

func (f *Fence) slot(key Key) *slot {
	s, ok := f.slots[key]
	if !ok {
		s = &slot{}
		f.slots[key] = s
	}
	return s
}

// Begin starts a new attempt for key and returns its generation. Any
// previous attempt for key becomes stale; its cancel func, if one was
// registered, is called so the underlying I/O can be aborted. cancel may
// be nil.
func (f *Fence) Begin(key Key, cancel context.CancelFunc) Generation {
	f.mu.Lock()
	s := f.slot(key)
	prev := s.cancel
	s.current++
	s.cancel = cancel
	gen := s.current
	f.mu.Unlock()

	if prev != nil {
		prev()
	}
	return gen
}

// Invalidate makes every outstanding attempt for key stale without
// starting a new one.
func (f *Fence) Invalidate(key Key) {
	f.mu.Lock()
	s := f.slot(key)
	prev := s.cancel
	s.current++
	s.settled = s.current
	s.cancel = nil
	f.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// InvalidateAll invalidates every known key.
func (f *Fence) InvalidateAll() {
	f.mu.Lock()
	keys := make([]Key, 0, len(f.slots))
	for k := range f.slots {
		keys = append(keys, k)
	}
	f.mu.Unlock()

	for _, k := range keys {
		f.Invalidate(k)
	}
}

// IsCurrent reports whether gen is the latest generation issued for key.
func (f *Fence) IsCurrent(key Key, gen Generation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[key]
	return ok && gen != 0 && s.current == gen
}

// Commit runs apply if gen is still the current, unsettled generation of
// key and reports whether it did. apply runs while the fence is locked,
// so it must not call back into the fence and must not block.
// A generation commits at most once; older generations are dropped.
func (f *Fence) Commit(key Key, gen Generation, apply func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.slots[key]
	if !ok || gen == 0 || s.current != gen || s.settled >= gen {
		staleDiscards.WithLabelValues(string(key)).Inc()
		return false
	}
	s.settled = gen
	s.cancel = nil
	if apply != nil {
		apply()
	}
	return true
}

// Current returns the latest generation issued for key, zero if none.
func (f *Fence) Current(key Key) Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[key]; ok {
		return s.current
	}
	return 0
}

// Pending reports whether the current attempt for key has not settled yet.
func (f *Fence) Pending(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[key]
	return ok && s.current > s.settled
}
