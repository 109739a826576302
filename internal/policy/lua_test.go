//go:build !no_lua

package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"fleet-console/internal/fleet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const batteryScript = `
function interval(status)
  if status.battery < 20 then
    return 500, true
  end
  if status.mission_active then
    return 2000
  end
  return 0
end
`

func TestLuaPolicy(t *testing.T) {
	p, err := NewLua(batteryScript, Default{Active: time.Second}, 0, testLogger())
	require.NoError(t, err)
	defer p.Close()

	d, active := p.Interval(&fleet.RobotDetail{SN: "SN1", Battery: 10}, 5*time.Second)
	assert.Equal(t, 500*time.Millisecond, d)
	assert.True(t, active)

	d, active = p.Interval(running(), 5*time.Second)
	assert.Equal(t, 2*time.Second, d)
	assert.True(t, active, "active defaults to the mission state")

	d, active = p.Interval(&fleet.RobotDetail{SN: "SN1", Battery: 90}, 5*time.Second)
	assert.Zero(t, d, "zero defers to the fallback")
	assert.False(t, active)
}

func TestLuaPolicyReadsMissionFields(t *testing.T) {
	p, err := NewLua(`
function interval(status)
  if status.mission and status.mission.status == "paused" then
    return status.configured_ms / 2
  end
end
`, nil, 0, testLogger())
	require.NoError(t, err)
	defer p.Close()

	detail := &fleet.RobotDetail{SN: "SN1", Mission: &fleet.Mission{TaskID: "t1", Status: "paused"}}
	d, active := p.Interval(detail, 4*time.Second)
	assert.Equal(t, 2*time.Second, d)
	assert.True(t, active)
}

func TestLuaPolicyErrorsFallBack(t *testing.T) {
	p, err := NewLua(`function interval(status) error("nope") end`, Default{Active: time.Second}, 0, testLogger())
	require.NoError(t, err)
	defer p.Close()

	d, active := p.Interval(running(), 5*time.Second)
	assert.Equal(t, time.Second, d)
	assert.True(t, active)

	p2, err := NewLua(`function interval(status) return "fast" end`, Default{}, 0, testLogger())
	require.NoError(t, err)
	defer p2.Close()
	d, _ = p2.Interval(&fleet.RobotDetail{SN: "SN1"}, 5*time.Second)
	assert.Zero(t, d)
}

func TestLuaPolicyTimeout(t *testing.T) {
	p, err := NewLua(`function interval(status) while true do end end`, Default{}, 20*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	d, _ := p.Interval(&fleet.RobotDetail{SN: "SN1"}, 5*time.Second)
	assert.Zero(t, d)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLuaPolicySandbox(t *testing.T) {
	_, err := NewLua(`os.exit(1)`, nil, 0, testLogger())
	assert.Error(t, err)

	_, err = NewLua(`local x = 1`, nil, 0, testLogger())
	assert.ErrorContains(t, err, "interval")

	_, err = NewLua(`function interval(`, nil, 0, testLogger())
	assert.Error(t, err)
}

func TestLoadLuaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(path, []byte(batteryScript), 0o644))

	p, err := LoadLuaFile(path, nil, 0, testLogger())
	require.NoError(t, err)
	p.Close()

	_, err = LoadLuaFile(filepath.Join(t.TempDir(), "missing.lua"), nil, 0, testLogger())
	assert.Error(t, err)
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]any{"a": 1.0}, lua.LTTable},
		{"slice", []any{1.0, 2.0}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, goToLua(L, tt.val).Type())
		})
	}
}
