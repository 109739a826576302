//go:build !no_lua

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"fleet-console/internal/fleet"
)

// Lua is a policy backed by a script that defines
//
//	function interval(status) return ms, active end
//
// status is the robot detail as a table. Returning nil or 0 defers to the
// fallback policy; active defaults to whether a mission is running.
type Lua struct {
	fallback Policy
	timeout  time.Duration
	logger   *slog.Logger

	mu sync.Mutex // serializes access to L
	L  *lua.LState
	fn *lua.LFunction
}

// LoadLuaFile reads and compiles the script at path.
func LoadLuaFile(path string, fallback Policy, timeout time.Duration, logger *slog.Logger) (*Lua, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy script: %w", err)
	}
	return NewLua(string(code), fallback, timeout, logger)
}

// NewLua runs code in a sandboxed VM and looks up its interval function.
func NewLua(code string, fallback Policy, timeout time.Duration, logger *slog.Logger) (*Lua, error) {
	if fallback == nil {
		fallback = Default{}
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	p := &Lua{
		fallback: fallback,
		timeout:  timeout,
		logger:   logger.With("component", "policy"),
	}

	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		p.logger.Info("policy script", "msg", L.CheckString(1))
		return 0
	}))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	L.SetContext(ctx)
	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute policy script: %w", err)
	}
	L.RemoveContext()

	fn, ok := L.GetGlobal("interval").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("policy script does not define function interval(status)")
	}
	p.L = L
	p.fn = fn
	return p, nil
}

// Interval calls the script. Script errors are logged and answered by the
// fallback policy.
func (p *Lua) Interval(detail *fleet.RobotDetail, configured time.Duration) (time.Duration, bool) {
	if detail == nil {
		return p.fallback.Interval(detail, configured)
	}
	ms, active, err := p.call(detail, configured)
	if err != nil {
		p.logger.Warn("policy script failed", "sn", detail.SN, "err", err)
		return p.fallback.Interval(detail, configured)
	}
	if ms <= 0 {
		return p.fallback.Interval(detail, configured)
	}
	return time.Duration(ms) * time.Millisecond, active
}

func (p *Lua) call(detail *fleet.RobotDetail, configured time.Duration) (int64, bool, error) {
	status, err := toMap(detail)
	if err != nil {
		return 0, false, err
	}
	status["mission_active"] = detail.MissionActive()
	status["configured_ms"] = configured.Milliseconds()

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	if err := p.L.CallByParam(lua.P{Fn: p.fn, NRet: 2, Protect: true}, goToLua(p.L, status)); err != nil {
		return 0, false, err
	}
	ret, act := p.L.Get(-2), p.L.Get(-1)
	p.L.Pop(2)

	active := detail.MissionActive()
	if b, ok := act.(lua.LBool); ok {
		active = bool(b)
	}
	switch v := ret.(type) {
	case lua.LNumber:
		return int64(v), active, nil
	case *lua.LNilType:
		return 0, active, nil
	default:
		return 0, false, fmt.Errorf("interval returned %s, want number", ret.Type())
	}
}

// Close releases the VM.
func (p *Lua) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// goToLua converts decoded JSON values and a few Go scalars to Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
