//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"freebox-monitor/internal/monitor"
)

const commandQueue = 64

// Limits on script execution. Variables so tests can shorten them.
var (
	runTimeout     = 5 * time.Second
	handlerTimeout = 5 * time.Second
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with freebox.on.
type luaEventHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is a running Lua state. Only the goroutine draining commands
// touches the state after the script body has run.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

func (vm *scriptVM) handlerList() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine runs the enabled scripts and feeds them monitor events.
type Engine struct {
	events  *monitor.EventBus
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig
	httpClient  *http.Client
	now         func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	last  *monitor.Snapshot
	unsub func()
}

// NewEngine creates an automation engine for the scripts in mgr.
func NewEngine(events *monitor.EventBus, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		events:      events,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to monitor events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop unsubscribes from the event bus and stops every script.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running returns the ids of the scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk. Disabled scripts are stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// RunLuaCode executes code in a throwaway VM and returns its log output.
// Handlers the code registers are invoked once: snapshot handlers with the
// last snapshot seen (when there is one), the others with a bare event.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{state: L, commands: make(chan func(*lua.LState), commandQueue), ctx: ctx, cancel: cancel}

	var (
		logMu sync.Mutex
		logs  []string
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	e.registerModules(L, vm, capture)

	fail := func(err error) *RunResult {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded") {
			msg = fmt.Sprintf("timeout (%s)", runTimeout)
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{Error: msg, Logs: logs, Duration: e.now().Sub(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	last := e.lastSnapshot()
	for _, h := range vm.handlerList() {
		ev := monitor.Event{Type: h.eventType}
		if h.eventType == monitor.EventSnapshot {
			if last == nil {
				continue
			}
			ev.Data = last
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: e.now().Sub(start).String()}
}

// newSandbox returns a Lua state without file, process or module loading.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// registerModules installs the script API. capture, when non-nil, receives
// log lines instead of the engine logger.
func (e *Engine) registerModules(L *lua.LState, vm *scriptVM, capture func(string)) {
	registerFreeboxModule(L, vm, e, capture)
	registerSystemModule(L, e, capture)
	registerTelegramModule(L, e)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()
	vm := &scriptVM{state: L, commands: make(chan func(*lua.LState), commandQueue), ctx: ctx, cancel: cancel}
	e.registerModules(L, vm, nil)

	// The top-level body runs on the caller's goroutine, so it is bounded
	// like a one-shot run.
	runCtx, runCancel := context.WithTimeout(ctx, runTimeout)
	L.SetContext(runCtx)
	err := L.DoString(s.LuaCode)
	L.RemoveContext()
	runCancel()
	if err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

func (e *Engine) lastSnapshot() *monitor.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// dispatchEvent queues event on every VM with a matching handler.
func (e *Engine) dispatchEvent(event monitor.Event) {
	e.mu.Lock()
	if snap, ok := event.Data.(*monitor.Snapshot); ok && event.Type == monitor.EventSnapshot {
		e.last = snap
	}
	vms := make(map[string]*scriptVM, len(e.vms))
	for id, vm := range e.vms {
		vms[id] = vm
	}
	e.mu.Unlock()

	for id, vm := range vms {
		for _, h := range vm.handlerList() {
			if h.eventType != event.Type {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "id", id, "type", event.Type)
			}
		}
	}
}

// callHandler runs fn with a per-call deadline so a looping handler cannot
// wedge its VM.
func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event monitor.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "type", event.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// eventTable converts a monitor event into the table passed to handlers.
func eventTable(L *lua.LState, event monitor.Event) *lua.LTable {
	if snap, ok := event.Data.(*monitor.Snapshot); ok {
		t := snapshotTable(L, snap)
		t.RawSetString("type", lua.LString(event.Type))
		return t
	}

	t := L.NewTable()
	switch data := event.Data.(type) {
	case map[string]string:
		for k, v := range data {
			t.RawSetString(k, lua.LString(v))
		}
	case map[string]interface{}:
		for k, v := range data {
			t.RawSetString(k, goToLua(L, v))
		}
	case nil:
	default:
		key := "value"
		if event.Type == monitor.EventSessionState {
			key = "state"
		}
		t.RawSetString(key, goToLua(L, data))
	}
	t.RawSetString("type", lua.LString(event.Type))
	return t
}

// snapshotTable flattens a snapshot into the fields scripts read.
func snapshotTable(L *lua.LState, snap *monitor.Snapshot) *lua.LTable {
	t := L.NewTable()
	fields := map[string]interface{}{
		"timestamp":        snap.Timestamp.Unix(),
		"download_mbps":    snap.DownloadMbps(),
		"upload_mbps":      snap.UploadMbps(),
		"fan_rpm":          snap.System.FanRPM,
		"uptime":           snap.System.UptimeVal,
		"board_name":       snap.System.BoardName,
		"firmware_version": snap.System.FirmwareVersion,
		"connection_state": snap.Connection.State,
		"ipv4":             snap.Connection.IPv4,
		"devices_count":    snap.LAN.DevicesCount,
		"devices_active":   snap.LAN.DevicesActive,
		"wifi_enabled":     snap.WiFi.Enabled,
	}
	if snap.System.TempAvg != nil {
		fields["temperature"] = *snap.System.TempAvg
	}
	for k, v := range fields {
		t.RawSetString(k, goToLua(L, v))
	}

	sensors := L.NewTable()
	for id, v := range snap.System.TempSensors {
		sensors.RawSetString(id, lua.LNumber(v))
	}
	t.RawSetString("temp_sensors", sensors)
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
