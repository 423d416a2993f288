// Package rules provides optional per-device Lua alert scripting,
// evaluated against each reading before it reaches the event bus.
package rules

import (
	"fmt"
	"sync"

	"github.com/batteryhawk/core/pkg/battery"
	lua "github.com/yuin/gopher-lua"
)

// Engine evaluates one device's optional alert script against each
// reading before publication.
type Engine interface {
	// Evaluate runs the script's on_reading hook, if defined, against
	// reading. It may annotate reading.Extra in place and returns false
	// to veto publication entirely.
	Evaluate(reading *battery.Reading) (keep bool, err error)
	Close() error
}

// LuaEngine implements Engine with a gopher-lua state holding one
// device's script.
type LuaEngine struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaEngine loads scriptPath into a fresh Lua state.
func NewLuaEngine(scriptPath string) (*LuaEngine, error) {
	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("rules: load %s: %w", scriptPath, err)
	}

	return &LuaEngine{L: L}, nil
}

// Evaluate calls the script's on_reading(address, voltage, soc) function,
// if defined. The function may return false to veto the reading, or a
// string to set as reading.Extra["alert"].
func (e *LuaEngine) Evaluate(reading *battery.Reading) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	L := e.L
	fn := L.GetGlobal("on_reading")
	if fn.Type() != lua.LTFunction {
		return true, nil
	}

	L.Push(fn)
	L.Push(lua.LString(reading.Address))
	L.Push(lua.LNumber(reading.Voltage))
	L.Push(lua.LNumber(reading.StateOfCharge))

	if err := L.PCall(3, 1, nil); err != nil {
		return false, fmt.Errorf("rules: on_reading for %s: %w", reading.Address, err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch ret.Type() {
	case lua.LTBool:
		return bool(ret.(lua.LBool)), nil
	case lua.LTString:
		if reading.Extra == nil {
			reading.Extra = make(map[string]any)
		}
		reading.Extra["alert"] = ret.String()
		return true, nil
	default:
		return true, nil
	}
}

// Close closes the underlying Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
	return nil
}
