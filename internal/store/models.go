package store

import "time"

// Preferences are the operator choices restored when the console starts.
type Preferences struct {
	PollEnabled    bool      `json:"poll_enabled"`
	PollIntervalMs int64     `json:"poll_interval_ms"`
	LastShop       string    `json:"last_shop,omitempty"`
	LastDevice     string    `json:"last_device,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PollInterval returns the stored interval, zero if none was saved.
func (p *Preferences) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}
