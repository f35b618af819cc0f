//go:build !no_automation

package automation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// at returns a clock fixed to hour:30 on 2026-03-14.
func at(hour int) func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 14, hour, 30, 15, 0, time.Local) }
}

func newTestEngine() *Engine {
	return &Engine{
		logger:     testLogger(),
		httpClient: http.DefaultClient,
		now:        at(14),
	}
}

func evalGlobal(t *testing.T, e *Engine, code string) lua.LValue {
	t.Helper()
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, e, nil)
	registerTelegramModule(L, e)
	if err := L.DoString("_result = " + code); err != nil {
		t.Fatalf("%s: %v", code, err)
	}
	return L.GetGlobal("_result")
}

func TestSystemDatetime(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(14)},
		{"minute", lua.LNumber(30)},
		{"second", lua.LNumber(15)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"time_str", lua.LString("14:30:15")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		if got := evalGlobal(t, e, `system.datetime("`+tt.component+`")`); got != tt.want {
			t.Errorf("datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine(), nil)
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		hour     int
		from, to int
		want     bool
	}{
		{14, 8, 22, true},
		{22, 8, 22, false},
		{8, 8, 22, true},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{14, 22, 6, false},
	}
	for _, tt := range tests {
		e := newTestEngine()
		e.now = at(tt.hour)
		got := evalGlobal(t, e, "system.time_between("+strconv.Itoa(tt.from)+", "+strconv.Itoa(tt.to)+")")
		if got != lua.LBool(tt.want) {
			t.Errorf("time_between(%d, %d) at %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
		}
	}
}

func TestSystemExecBlocked(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
	}{
		{"empty allowlist", nil, "ls"},
		{"relative path", []string{"ls"}, "ls"},
		{"not allowlisted", []string{"/bin/echo"}, "/bin/ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			e.systemCfg.ExecAllowlist = tt.allowlist
			if got := evalGlobal(t, e, `system.exec("`+tt.cmd+`")`); got != lua.LString("") {
				t.Errorf("exec = %q, want empty", got)
			}
		})
	}
}

func TestSystemExecAllowed(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available")
	}
	e := newTestEngine()
	e.systemCfg = SystemConfig{ExecAllowlist: []string{"/bin/echo"}, ExecTimeout: 5 * time.Second}
	if got := evalGlobal(t, e, `system.exec("/bin/echo hello")`); got != lua.LString("hello\n") {
		t.Errorf("exec = %q, want %q", got, "hello\n")
	}
}

func TestSystemLogCapture(t *testing.T) {
	var lines []string
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine(), func(s string) { lines = append(lines, s) })

	if err := L.DoString(`system.log("warn", "link down")`); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "[warn] link down" {
		t.Errorf("lines = %q", lines)
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, newTestEngine())
	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}

type telegramMessage struct {
	path   string
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func newTelegramServer(t *testing.T) (*httptest.Server, <-chan telegramMessage) {
	t.Helper()
	got := make(chan telegramMessage, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m telegramMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.path = r.URL.Path
		got <- m
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)
	return ts, got
}

func TestTelegramSend(t *testing.T) {
	ts, got := newTelegramServer(t)
	e := newTestEngine()
	e.telegramCfg = TelegramConfig{BotToken: "123:abc", ChatIDs: []string{"42", "43"}, APIURL: ts.URL}

	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, e)
	if err := L.DoString(`telegram.send("wan down")`); err != nil {
		t.Fatal(err)
	}

	chats := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			if m.path != "/bot123:abc/sendMessage" || m.Text != "wan down" {
				t.Errorf("message = %+v", m)
			}
			chats[m.ChatID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("telegram message not delivered")
		}
	}
	if !chats["42"] || !chats["43"] {
		t.Errorf("chats = %v", chats)
	}
}
