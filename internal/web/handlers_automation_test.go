//go:build !no_automation

package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"freebox-monitor/internal/automation"
	"freebox-monitor/internal/monitor"
)

func newAutomationServer(t *testing.T) (*Server, *automation.Manager) {
	t.Helper()
	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*automation.Script{
		{ID: "alert", Meta: automation.ScriptMeta{Name: "Alert", Enabled: true}, LuaCode: `freebox.log("x")`},
		{ID: "idle", Meta: automation.ScriptMeta{Name: "Idle"}, LuaCode: `freebox.log("y")`},
	} {
		if _, err := mgr.Save(s); err != nil {
			t.Fatal(err)
		}
	}

	events := monitor.NewEventBus(discardLogger())
	engine := automation.NewEngine(events, mgr, discardLogger(), automation.SystemConfig{}, automation.TelegramConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(&stubPoller{}, &stubSessions{}, &stubHistory{}, events, discardLogger(),
		WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)
	return srv, mgr
}

func postJSON(t *testing.T, srv http.Handler, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
	}
	return rec, out
}

func TestAPIListScripts(t *testing.T) {
	srv, _ := newAutomationServer(t)

	rec, body := doRequest(t, srv, http.MethodGet, "/api/automation/scripts")
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	scripts := body["scripts"].([]any)
	if len(scripts) != 2 {
		t.Fatalf("scripts = %v", scripts)
	}
	want := []struct {
		id      string
		running bool
	}{{"alert", true}, {"idle", false}}
	for i, w := range want {
		sc := scripts[i].(map[string]any)
		if sc["id"] != w.id || sc["running"] != w.running {
			t.Errorf("script %d = %v, want id %s running %v", i, sc, w.id, w.running)
		}
	}
}

func TestAPIToggleScript(t *testing.T) {
	srv, mgr := newAutomationServer(t)

	rec, body := postJSON(t, srv, "/api/automation/scripts/idle/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["running"] != true || body["meta"].(map[string]any)["enabled"] != true {
		t.Errorf("body = %v", body)
	}
	saved, err := mgr.Get("idle")
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Meta.Enabled {
		t.Error("toggle not persisted")
	}

	_, body = postJSON(t, srv, "/api/automation/scripts/idle/toggle", "")
	if body["running"] != false {
		t.Errorf("after second toggle: %v", body)
	}
}

func TestAPIReloadScript(t *testing.T) {
	srv, _ := newAutomationServer(t)

	rec, body := postJSON(t, srv, "/api/automation/scripts/alert/reload", "")
	if rec.Code != http.StatusOK || body["running"] != true {
		t.Errorf("status = %d body = %v", rec.Code, body)
	}

	tests := []struct {
		id     string
		status int
	}{
		{"missing", http.StatusNotFound},
		{"a..b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec, body := postJSON(t, srv, "/api/automation/scripts/"+tt.id+"/reload", "")
		if rec.Code != tt.status || body["success"] != false {
			t.Errorf("reload %s: status = %d body = %v, want %d", tt.id, rec.Code, body, tt.status)
		}
	}
}

func TestAPIRunLua(t *testing.T) {
	srv, _ := newAutomationServer(t)

	rec, body := postJSON(t, srv, "/api/automation/run", `{"lua_code":"freebox.log(\"hi\")"}`)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if logs := body["logs"].([]any); len(logs) != 1 || logs[0] != "hi" {
		t.Errorf("logs = %v", logs)
	}

	_, body = postJSON(t, srv, "/api/automation/run", `{"lua_code":"error(\"boom\")"}`)
	if body["ok"] != false || body["error"] == nil {
		t.Errorf("failing run = %v", body)
	}

	for _, bad := range []string{`{}`, `not json`} {
		if rec, _ := postJSON(t, srv, "/api/automation/run", bad); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestAPIAutomationUnavailable(t *testing.T) {
	srv := newTestServer(t, &stubPoller{}, &stubSessions{}, &stubHistory{})

	rec, body := doRequest(t, srv, http.MethodGet, "/api/automation/scripts")
	if rec.Code != http.StatusOK || len(body["scripts"].([]any)) != 0 {
		t.Errorf("list status = %d body = %v", rec.Code, body)
	}
	if rec, _ := postJSON(t, srv, "/api/automation/run", `{"lua_code":"x = 1"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want 503", rec.Code)
	}
}
