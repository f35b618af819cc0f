package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"freebox-monitor/internal/monitor"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHub fans monitor events out to WebSocket clients. The latest snapshot is
// kept so a client sees the router state as soon as it connects.
type WSHub struct {
	mu           sync.Mutex
	clients      map[*wsClient]struct{}
	lastSnapshot []byte
	closed       bool
	logger       *slog.Logger
}

type wsClient struct {
	send  chan []byte
	types map[string]bool // nil receives every event type
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// join registers c and queues the last snapshot for it. It reports false once
// the hub is stopped.
func (h *WSHub) join(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.lastSnapshot != nil && c.wants(monitor.EventSnapshot) {
		select {
		case c.send <- h.lastSnapshot:
		default:
		}
	}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Broadcast encodes event once and queues it for every client subscribed to
// its type. A client whose buffer is full is dropped.
func (h *WSHub) Broadcast(event monitor.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if event.Type == monitor.EventSnapshot {
		h.lastSnapshot = data
	}
	for c := range h.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop disconnects every client. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *WSHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// parseEventFilter reads the comma separated ?events= list. Empty means all.
func parseEventFilter(raw string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	client := &wsClient{
		send:  make(chan []byte, wsSendBuffer),
		types: parseEventFilter(r.URL.Query().Get("events")),
	}
	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.leave(client)

	// Clients only listen. CloseRead answers control frames and cancels ctx
	// when the peer goes away.
	conn.SetReadLimit(512)
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := wsWrite(ctx, conn, msg); err != nil {
				s.logger.Debug("ws write", "err", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func wsWrite(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
