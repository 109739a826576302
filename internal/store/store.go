package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists operator preferences across restarts.
type Store interface {
	SavePreferences(p *Preferences) error
	GetPreferences() (*Preferences, error)

	// UpdatePreferences atomically reads, modifies, and saves the
	// preferences in a single transaction. A missing record starts from
	// the zero value.
	UpdatePreferences(fn func(p *Preferences) error) error

	Close() error
}
