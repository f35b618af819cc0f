//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
	telegramAPI        = "https://api.telegram.org"
)

// SystemConfig controls system.exec.
type SystemConfig struct {
	ExecAllowlist []string      // absolute binary paths
	ExecTimeout   time.Duration // zero means 10s
}

// TelegramConfig controls telegram.send.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string // empty means the public bot API
}

// registerSystemModule installs the `system` global table.
func registerSystemModule(L *lua.LState, e *Engine, capture func(string)) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e, capture)
	}))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))
	L.SetGlobal("system", mod)
}

// registerTelegramModule installs the `telegram` global table.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))
	L.SetGlobal("telegram", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)
	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour); the range may wrap midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()

	in := hour >= from && hour < to
	if from > to {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine, capture func(string)) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if capture != nil {
		capture("[" + level + "] " + msg)
		return 0
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted binary and returns its stdout, or ""
// when the command is refused or fails.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) || !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	L.Push(lua.LString(out))
	return 1
}

// telegram.send(msg) posts msg to every configured chat without waiting for
// the bot API.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	cfg := e.telegramCfg
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return 0
	}

	base := cfg.APIURL
	if base == "" {
		base = telegramAPI
	}
	url := strings.TrimRight(base, "/") + "/bot" + cfg.BotToken + "/sendMessage"

	for _, chatID := range cfg.ChatIDs {
		go func() {
			body, _ := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				e.logger.Error("telegram request", "err", err)
				return
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := e.httpClient.Do(req)
			if err != nil {
				e.logger.Error("telegram send", "err", err, "chat_id", chatID)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				e.logger.Warn("telegram send non-200", "status", resp.StatusCode, "chat_id", chatID)
			}
		}()
	}
	return 0
}
