package monitor

import (
	"errors"
	"log/slog"
	"sync"

	"freebox-monitor/internal/freebox"
)

// Event types
const (
	EventSnapshot     = "snapshot"
	EventPollError    = "poll_error"
	EventSessionState = "session_state"
)

// Event is published on the bus after every poll and session transition.
// Data is a *Snapshot, a map[string]string or a string, depending on Type.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SnapshotEvent wraps a completed poll.
func SnapshotEvent(snap *Snapshot) Event {
	return Event{Type: EventSnapshot, Data: snap}
}

// PollErrorEvent describes a failed poll. The failing resource is included
// when the router rejected an essential fetch.
func PollErrorEvent(err error) Event {
	data := map[string]string{"error": err.Error()}
	var ue *freebox.UpstreamError
	if errors.As(err, &ue) {
		data["resource"] = ue.Resource
	}
	return Event{Type: EventPollError, Data: data}
}

// SessionStateEvent reports a session manager transition.
func SessionStateEvent(state freebox.SessionState) Event {
	return Event{Type: EventSessionState, Data: string(state)}
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every event
	handler   EventHandler
}

// EventBus fans events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			for i, s := range eb.subs {
				if s.id == id {
					eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every matching handler synchronously. A handler may subscribe
// or unsubscribe during dispatch; the change applies from the next Emit.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var matched []EventHandler
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			matched = append(matched, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
