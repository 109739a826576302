// Package state holds the console's single mutable snapshot.
//
// Writers replace the snapshot through Update; readers get an immutable
// *Snapshot that is never modified after it has been published.
package state

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// StageID names a cascade stage.
type StageID string

const (
	StageShops     StageID = "shops"
	StageDevices   StageID = "devices"
	StageDetail    StageID = "detail"
	StageTasks     StageID = "tasks"
	StageMaps      StageID = "maps"
	StageSchedules StageID = "schedules"
	StagePoints    StageID = "points"
)

// Stages lists every stage id, upstream first.
func Stages() []StageID {
	return []StageID{StageShops, StageDevices, StageDetail, StageTasks, StageMaps, StageSchedules, StagePoints}
}

// Status is the lifecycle of a stage.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSettled Status = "settled"
)

// Failure is the error payload of a stage.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageState is the visible state of one stage.
type StageState struct {
	Scope      string    `json:"scope,omitempty"`
	Status     Status    `json:"status"`
	Loading    bool      `json:"loading"`
	Data       any       `json:"data,omitempty"`
	Err        *Failure  `json:"error,omitempty"`
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// PollState mirrors the poll scheduler.
type PollState struct {
	Enabled             bool      `json:"enabled"`
	IntervalMs          int64     `json:"interval_ms"`
	EffectiveIntervalMs int64     `json:"effective_interval_ms"`
	LastTickAt          time.Time `json:"last_tick_at,omitempty"`
	ActiveMode          bool      `json:"active_mode"`
}

// Snapshot is the externally visible console state.
type Snapshot struct {
	Version   uint64                 `json:"version"`
	Selection Selection              `json:"selection"`
	Stages    map[StageID]StageState `json:"stages"`
	Poll      PollState              `json:"poll"`
}

// Stage returns the state of id; a stage that was never touched is idle.
func (s *Snapshot) Stage(id StageID) StageState {
	if st, ok := s.Stages[id]; ok {
		return st
	}
	return StageState{Status: StatusIdle}
}

func (s *Snapshot) clone() *Snapshot {
	next := *s
	next.Stages = maps.Clone(s.Stages)
	if next.Stages == nil {
		next.Stages = make(map[StageID]StageState)
	}
	return &next
}

// Listener is called with every published snapshot.
type Listener func(*Snapshot)

// Store owns the current snapshot.
type Store struct {
	mu        sync.RWMutex
	current   *Snapshot
	listeners map[uint64]Listener
	nextID    uint64
	logger    *slog.Logger
}

// NewStore creates a store holding an empty snapshot.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		current:   &Snapshot{Stages: make(map[StageID]StageState)},
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current snapshot, publishes the copy
// and notifies listeners. Listeners run synchronously on the caller's
// goroutine; a panicking listener is recovered.
func (s *Store) Update(fn func(next *Snapshot)) *Snapshot {
	s.mu.Lock()
	next := s.current.clone()
	fn(next)
	next.Version = s.current.Version + 1
	s.current = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("snapshot listener panic", "panic", r)
				}
			}()
			l(next)
		}()
	}
	return next
}

// Reset clears the selection and every stage, keeping the poll state.
func (s *Store) Reset() *Snapshot {
	return s.Update(func(next *Snapshot) {
		next.Selection = Selection{}
		next.Stages = make(map[StageID]StageState)
	})
}

// Subscribe registers l. Returns an unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
