package monitor

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"freebox-monitor/internal/freebox"
)

func TestEventBusDispatch(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var snapshots, all int
	unsub := eb.On(EventSnapshot, func(Event) { snapshots++ })
	eb.OnAll(func(Event) { all++ })

	eb.Emit(Event{Type: EventSnapshot})
	eb.Emit(Event{Type: EventPollError})
	if snapshots != 1 || all != 2 {
		t.Errorf("snapshots=%d all=%d", snapshots, all)
	}

	unsub()
	unsub()
	eb.Emit(Event{Type: EventSnapshot})
	if snapshots != 1 || all != 3 {
		t.Errorf("after unsubscribe: snapshots=%d all=%d", snapshots, all)
	}
}

func TestEventBusSubscriptionOrder(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		eb.OnAll(func(Event) { order = append(order, name) })
	}
	unsubD := eb.On(EventSnapshot, func(Event) { order = append(order, "d") })
	eb.Emit(Event{Type: EventSnapshot})
	if got := strings.Join(order, ""); got != "abcd" {
		t.Errorf("order = %q, want abcd", got)
	}

	order = nil
	unsubD()
	eb.Emit(Event{Type: EventSnapshot})
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("order after unsubscribe = %q, want abc", got)
	}
}

func TestEventBusUnsubscribeDuringEmit(t *testing.T) {
	eb := NewEventBus(discardLogger())

	calls := 0
	var unsub func()
	unsub = eb.OnAll(func(Event) {
		calls++
		unsub()
	})
	eb.Emit(Event{Type: EventSnapshot})
	eb.Emit(Event{Type: EventSnapshot})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestEventBusRecoversPanics(t *testing.T) {
	eb := NewEventBus(discardLogger())
	called := false
	eb.On(EventSnapshot, func(Event) { panic("boom") })
	eb.OnAll(func(Event) { called = true })

	eb.Emit(Event{Type: EventSnapshot})
	if !called {
		t.Error("panic in one handler stopped the others")
	}
}

func TestPollErrorEvent(t *testing.T) {
	ev := PollErrorEvent(errors.New("dial tcp: connection refused"))
	data := ev.Data.(map[string]string)
	if ev.Type != EventPollError || data["error"] != "dial tcp: connection refused" {
		t.Errorf("event = %+v", ev)
	}
	if _, ok := data["resource"]; ok {
		t.Errorf("resource set for a connectivity error: %v", data)
	}

	upstream := fmt.Errorf("poll: %w", freebox.NewUpstreamError("connection", &freebox.APIError{Code: "internal_error"}))
	data = PollErrorEvent(upstream).Data.(map[string]string)
	if data["resource"] != "connection" {
		t.Errorf("resource = %q, want connection", data["resource"])
	}
}

func TestSessionStateEvent(t *testing.T) {
	ev := SessionStateEvent(freebox.StateEstablished)
	if ev.Type != EventSessionState || ev.Data != string(freebox.StateEstablished) {
		t.Errorf("event = %+v", ev)
	}
}
