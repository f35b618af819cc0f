//go:build !no_automation

package automation

import (
	"sort"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"freebox-monitor/internal/freebox"
	"freebox-monitor/internal/monitor"
)

func ptr(v float64) *float64 { return &v }

func testSnapshot() *monitor.Snapshot {
	return &monitor.Snapshot{
		Timestamp: time.Unix(1767225600, 0),
		System: monitor.SystemFacts{
			UptimeVal:   86400,
			TempSensors: map[string]float64{"temp_cpum": 60, "temp_sw": 42},
			TempAvg:     ptr(51),
			FanRPM:      1450,
			BoardName:   "fbxgw8r",
		},
		Connection: freebox.ConnectionStatus{State: "up", IPv4: "82.64.1.2", RateDown: 1250000, RateUp: 250000},
		LAN:        monitor.LANFacts{DevicesCount: 3, DevicesActive: 2},
		WiFi:       monitor.WiFiFacts{Enabled: true},
	}
}

// newScriptEngine saves scripts and returns an engine whose telegram.send
// posts to a local server.
func newScriptEngine(t *testing.T, scripts ...*Script) (*Engine, *monitor.EventBus, <-chan telegramMessage) {
	t.Helper()
	m := newTestManager(t)
	for _, s := range scripts {
		if _, err := m.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	ts, got := newTelegramServer(t)
	events := monitor.NewEventBus(testLogger())
	e := NewEngine(events, m, testLogger(), SystemConfig{}, TelegramConfig{BotToken: "t", ChatIDs: []string{"1"}, APIURL: ts.URL})
	return e, events, got
}

func waitMessage(t *testing.T, got <-chan telegramMessage) string {
	t.Helper()
	select {
	case m := <-got:
		return m.Text
	case <-time.After(5 * time.Second):
		t.Fatal("script did not send a message")
		return ""
	}
}

func TestEngineDispatchesSnapshot(t *testing.T) {
	e, events, got := newScriptEngine(t, &Script{
		ID:   "report",
		Meta: ScriptMeta{Name: "Report", Enabled: true},
		LuaCode: `
freebox.on("snapshot", function(ev)
  local rates = string.format("%.1f/%.1f", ev.download_mbps, ev.upload_mbps)
  telegram.send(ev.connection_state .. " " .. rates .. " " .. ev.devices_active .. " " .. tostring(ev.temperature))
end)`,
	})
	e.Start()
	defer e.Stop()

	events.Emit(monitor.Event{Type: monitor.EventSnapshot, Data: testSnapshot()})
	if text := waitMessage(t, got); text != "up 10.0/2.0 2 51" {
		t.Errorf("message = %q", text)
	}
}

func TestEngineSnapshotWithoutTemperature(t *testing.T) {
	e, events, got := newScriptEngine(t, &Script{
		ID:      "temp",
		Meta:    ScriptMeta{Name: "Temp", Enabled: true},
		LuaCode: `freebox.on("snapshot", function(ev) telegram.send(tostring(ev.temperature)) end)`,
	})
	e.Start()
	defer e.Stop()

	snap := testSnapshot()
	snap.System.TempAvg = nil
	events.Emit(monitor.Event{Type: monitor.EventSnapshot, Data: snap})
	if text := waitMessage(t, got); text != "nil" {
		t.Errorf("temperature = %q, want nil", text)
	}
}

func TestEngineFiltersByEventType(t *testing.T) {
	e, events, got := newScriptEngine(t, &Script{
		ID:   "errors",
		Meta: ScriptMeta{Name: "Errors", Enabled: true},
		LuaCode: `
freebox.on("poll_error", function(ev) telegram.send("error: " .. ev.error) end)
freebox.on("session_state", function(ev) telegram.send("state: " .. ev.state) end)`,
	})
	e.Start()
	defer e.Stop()

	events.Emit(monitor.Event{Type: monitor.EventSnapshot, Data: testSnapshot()})
	events.Emit(monitor.Event{Type: monitor.EventPollError, Data: map[string]string{"error": "router unreachable"}})
	if text := waitMessage(t, got); text != "error: router unreachable" {
		t.Errorf("message = %q", text)
	}
	events.Emit(monitor.Event{Type: monitor.EventSessionState, Data: string(freebox.StateExpired)})
	if text := waitMessage(t, got); text != "state: session_expired" {
		t.Errorf("message = %q", text)
	}
}

func TestEngineStartsEnabledScriptsOnly(t *testing.T) {
	e, _, _ := newScriptEngine(t,
		&Script{ID: "on", Meta: ScriptMeta{Name: "On", Enabled: true}, LuaCode: `freebox.log("x")`},
		&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}, LuaCode: `freebox.log("x")`},
		&Script{ID: "broken", Meta: ScriptMeta{Name: "Broken", Enabled: true}, LuaCode: `freebox.on(`},
	)
	e.Start()
	defer e.Stop()

	running := e.Running()
	if len(running) != 1 || running[0] != "on" {
		t.Errorf("running = %v, want [on]", running)
	}
}

func TestEngineStartBoundsLoopingScript(t *testing.T) {
	defer func(d time.Duration) { runTimeout = d }(runTimeout)
	runTimeout = 100 * time.Millisecond

	e, _, _ := newScriptEngine(t,
		&Script{ID: "spin", Meta: ScriptMeta{Name: "Spin", Enabled: true}, LuaCode: `while true do end`},
		&Script{ID: "ok", Meta: ScriptMeta{Name: "OK", Enabled: true}, LuaCode: `freebox.log("x")`},
	)
	started := make(chan struct{})
	go func() {
		e.Start()
		close(started)
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Start blocked on a looping script")
	}
	defer e.Stop()

	running := e.Running()
	if len(running) != 1 || running[0] != "ok" {
		t.Errorf("running = %v, want [ok]", running)
	}
}

func TestEngineReloadScript(t *testing.T) {
	e, _, _ := newScriptEngine(t, &Script{ID: "a", Meta: ScriptMeta{Name: "A", Enabled: true}, LuaCode: `freebox.log("a")`})
	e.Start()
	defer e.Stop()

	s, err := e.manager.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	s.Meta.Enabled = false
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("a"); err != nil {
		t.Fatal(err)
	}
	if n := len(e.Running()); n != 0 {
		t.Errorf("running after disable = %d", n)
	}

	s.Meta.Enabled = true
	e.manager.Save(s)
	if err := e.ReloadScript("a"); err != nil {
		t.Fatal(err)
	}
	if n := len(e.Running()); n != 1 {
		t.Errorf("running after enable = %d", n)
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _, _ := newScriptEngine(t)
	res := e.RunLuaCode(`freebox.log("a") system.log("warn", "b")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, "|") != "a|[warn] b" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeInvokesHandlersWithLastSnapshot(t *testing.T) {
	e, events, _ := newScriptEngine(t)
	e.Start()
	defer e.Stop()

	code := `
freebox.on("snapshot", function(ev) freebox.log("down " .. ev.download_mbps) end)
freebox.on("poll_error", function(ev) freebox.log("type " .. ev.type) end)`

	res := e.RunLuaCode(code)
	if !res.OK || strings.Join(res.Logs, "|") != "type poll_error" {
		t.Errorf("before any snapshot: %+v", res)
	}

	events.Emit(monitor.Event{Type: monitor.EventSnapshot, Data: testSnapshot()})
	res = e.RunLuaCode(code)
	if !res.OK || strings.Join(res.Logs, "|") != "down 10|type poll_error" {
		t.Errorf("after snapshot: %+v", res)
	}
}

func TestRunLuaCodeLast(t *testing.T) {
	e, events, _ := newScriptEngine(t)
	e.Start()
	defer e.Stop()

	res := e.RunLuaCode(`freebox.log(tostring(freebox.last()))`)
	if !res.OK || res.Logs[0] != "nil" {
		t.Errorf("before snapshot: %+v", res)
	}

	events.Emit(monitor.Event{Type: monitor.EventSnapshot, Data: testSnapshot()})
	res = e.RunLuaCode(`local s = freebox.last() freebox.log(s.board_name .. " " .. s.temp_sensors.temp_cpum)`)
	if !res.OK || res.Logs[0] != "fbxgw8r 60" {
		t.Errorf("after snapshot: %+v", res)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newScriptEngine(t)
	tests := []struct {
		name string
		code string
	}{
		{"syntax", `freebox.on(`},
		{"sandboxed os", `os.exit(1)`},
		{"sandboxed io", `io.open("/etc/passwd")`},
		{"unknown event", `freebox.on("device_joined", function() end)`},
		{"handler error", `freebox.on("poll_error", function() error("boom") end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want failure", res)
			}
		})
	}
}

func TestHandlerLimit(t *testing.T) {
	e, _, _ := newScriptEngine(t)
	res := e.RunLuaCode(`for i = 1, 101 do freebox.on("snapshot", function() end) end`)
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v", res)
	}
}

func TestEventTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := eventTable(L, monitor.Event{Type: monitor.EventSnapshot, Data: testSnapshot()})
	var keys []string
	tbl.ForEach(func(k, _ lua.LValue) { keys = append(keys, k.String()) })
	sort.Strings(keys)
	want := "board_name,connection_state,devices_active,devices_count,download_mbps,fan_rpm," +
		"firmware_version,ipv4,temp_sensors,temperature,timestamp,type,upload_mbps,uptime,wifi_enabled"
	if strings.Join(keys, ",") != want {
		t.Errorf("keys = %s", strings.Join(keys, ","))
	}
	if v := tbl.RawGetString("timestamp"); v != lua.LNumber(1767225600) {
		t.Errorf("timestamp = %v", v)
	}

	tbl = eventTable(L, monitor.Event{Type: monitor.EventSessionState, Data: freebox.StateEstablished})
	if v := tbl.RawGetString("state"); v != lua.LString("session_established") {
		t.Errorf("state = %v", v)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}
