package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"freebox-monitor/internal/monitor"
)

func newClient(buf int, filter string) *wsClient {
	return &wsClient{send: make(chan []byte, buf), types: parseEventFilter(filter)}
}

func eventType(t *testing.T, msg []byte) string {
	t.Helper()
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return ev.Type
}

func TestWSHubJoinLeave(t *testing.T) {
	hub := NewWSHub(discardLogger())
	c := newClient(4, "")
	if !hub.join(c) || hub.count() != 1 {
		t.Fatalf("join: count = %d", hub.count())
	}
	hub.leave(c)
	hub.leave(c)
	if hub.count() != 0 {
		t.Errorf("after leave: count = %d", hub.count())
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after leave")
	}
}

func TestWSHubBroadcastFiltersByType(t *testing.T) {
	hub := NewWSHub(discardLogger())
	all := newClient(4, "")
	errorsOnly := newClient(4, "poll_error, session_state")
	hub.join(all)
	hub.join(errorsOnly)

	hub.Broadcast(monitor.SnapshotEvent(testSnapshot()))
	hub.Broadcast(monitor.Event{Type: monitor.EventPollError, Data: map[string]string{"error": "router unreachable"}})

	if len(all.send) != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", len(all.send))
	}
	if len(errorsOnly.send) != 1 {
		t.Fatalf("filtered client got %d messages, want 1", len(errorsOnly.send))
	}
	if typ := eventType(t, <-errorsOnly.send); typ != monitor.EventPollError {
		t.Errorf("filtered client received %q", typ)
	}
}

func TestWSHubReplaysLastSnapshot(t *testing.T) {
	hub := NewWSHub(discardLogger())
	hub.Broadcast(monitor.Event{Type: monitor.EventSnapshot, Data: map[string]int{"n": 1}})
	hub.Broadcast(monitor.Event{Type: monitor.EventPollError, Data: "ignored"})
	hub.Broadcast(monitor.Event{Type: monitor.EventSnapshot, Data: map[string]int{"n": 2}})

	late := newClient(4, "")
	hub.join(late)
	if len(late.send) != 1 {
		t.Fatalf("late client has %d queued messages, want 1", len(late.send))
	}
	if msg := <-late.send; !strings.Contains(string(msg), `"n":2`) {
		t.Errorf("replayed %s, want the latest snapshot", msg)
	}

	noSnapshots := newClient(4, "poll_error")
	hub.join(noSnapshots)
	if len(noSnapshots.send) != 0 {
		t.Error("snapshot replayed to a client that did not subscribe to snapshots")
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := NewWSHub(discardLogger())
	slow := newClient(1, "")
	fast := newClient(8, "")
	hub.join(slow)
	hub.join(fast)

	hub.Broadcast(monitor.Event{Type: monitor.EventPollError, Data: "msg1"})
	hub.Broadcast(monitor.Event{Type: monitor.EventPollError, Data: "msg2"})

	hub.mu.Lock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.Unlock()
	if slowPresent || !fastPresent {
		t.Errorf("slow present = %v, fast present = %v", slowPresent, fastPresent)
	}

	// The queued message is still delivered before the close.
	if _, ok := <-slow.send; !ok {
		t.Error("queued message lost")
	}
	if _, ok := <-slow.send; ok {
		t.Error("evicted client channel not closed")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(discardLogger())
	c := newClient(4, "")
	hub.join(c)

	hub.Stop()
	hub.Stop()
	if _, ok := <-c.send; ok {
		t.Error("client channel open after stop")
	}
	if hub.join(newClient(4, "")) {
		t.Error("join succeeded after stop")
	}
	hub.Broadcast(monitor.Event{Type: monitor.EventSnapshot, Data: 1})
}

func TestParseEventFilter(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{" , ", nil},
		{"snapshot", []string{"snapshot"}},
		{"snapshot, poll_error,", []string{"snapshot", "poll_error"}},
	}
	for _, tt := range tests {
		got := parseEventFilter(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("parseEventFilter(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for _, typ := range tt.want {
			if !got[typ] {
				t.Errorf("parseEventFilter(%q) missing %q", tt.raw, typ)
			}
		}
	}
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWSStreamsMonitorEvents(t *testing.T) {
	events := monitor.NewEventBus(discardLogger())
	srv := NewServer(&stubPoller{}, &stubSessions{}, &stubHistory{}, events, discardLogger())
	defer srv.Stop()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A snapshot emitted before the client connects is replayed on join.
	events.Emit(monitor.SnapshotEvent(testSnapshot()))
	conn := dialWS(t, ctx, ts, "")

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != monitor.EventSnapshot || ev.Data["timestamp"] == nil {
		t.Errorf("event = %s", msg)
	}
}

func TestWSFilteredStream(t *testing.T) {
	events := monitor.NewEventBus(discardLogger())
	srv := NewServer(&stubPoller{}, &stubSessions{}, &stubHistory{}, events, discardLogger())
	defer srv.Stop()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts, "?events=poll_error")

	// Registration happens after the handshake, so keep emitting until the
	// client is in the hub.
	deadline := time.Now().Add(5 * time.Second)
	for srv.wsHub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	events.Emit(monitor.SnapshotEvent(testSnapshot()))
	events.Emit(monitor.Event{Type: monitor.EventPollError, Data: map[string]string{"error": "router unreachable"}})

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ := eventType(t, msg); typ != monitor.EventPollError {
		t.Errorf("first event = %q, want poll_error", typ)
	}
}
