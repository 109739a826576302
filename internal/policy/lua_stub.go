//go:build no_lua

package policy

import (
	"errors"
	"log/slog"
	"time"

	"fleet-console/internal/fleet"
)

// Lua is unavailable in builds tagged no_lua.
type Lua struct{}

var errNoLua = errors.New("lua policy support not compiled in (built with no_lua)")

// LoadLuaFile always fails.
func LoadLuaFile(_ string, _ Policy, _ time.Duration, _ *slog.Logger) (*Lua, error) {
	return nil, errNoLua
}

// NewLua always fails.
func NewLua(_ string, _ Policy, _ time.Duration, _ *slog.Logger) (*Lua, error) {
	return nil, errNoLua
}

func (p *Lua) Interval(_ *fleet.RobotDetail, configured time.Duration) (time.Duration, bool) {
	return 0, false
}

func (p *Lua) Close() {}
