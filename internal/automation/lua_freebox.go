//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"freebox-monitor/internal/monitor"
)

const maxHandlersPerScript = 100

var scriptEvents = map[string]bool{
	monitor.EventSnapshot:     true,
	monitor.EventPollError:    true,
	monitor.EventSessionState: true,
}

// registerFreeboxModule installs the `freebox` global table.
func registerFreeboxModule(L *lua.LState, vm *scriptVM, e *Engine, capture func(string)) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return freeboxOn(L, vm)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return freeboxAfter(L, vm, e)
	}))
	mod.RawSetString("last", L.NewFunction(func(L *lua.LState) int {
		return freeboxLast(L, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if capture != nil {
			capture(msg)
			return 0
		}
		e.logger.Info("script log", "msg", msg)
		return 0
	}))
	L.SetGlobal("freebox", mod)
}

// freebox.on(event_type, callback)
func freeboxOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)
	if !scriptEvents[eventType] {
		L.ArgError(1, "unknown event type: "+eventType)
		return 0
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	return 0
}

// freebox.after(seconds, callback) runs callback later on the script's VM.
func freeboxAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// freebox.last() returns the most recent snapshot, or nil before the first
// successful poll.
func freeboxLast(L *lua.LState, e *Engine) int {
	snap := e.lastSnapshot()
	if snap == nil {
		L.Push(lua.LNil)
		return 1
	}
	t := snapshotTable(L, snap)
	t.RawSetString("type", lua.LString(monitor.EventSnapshot))
	L.Push(t)
	return 1
}
