package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"freebox-monitor/internal/automation"
	"freebox-monitor/internal/freebox"
	"freebox-monitor/internal/monitor"
	"freebox-monitor/internal/store"
)

// Poller runs one poll cycle.
type Poller interface {
	PollOnce(ctx context.Context) (*monitor.Snapshot, error)
}

// Sessions exposes the router session lifecycle.
type Sessions interface {
	EnsureSession(ctx context.Context) (*freebox.Session, error)
	State() freebox.SessionState
}

// History answers aggregated sample queries.
type History interface {
	QueryAggregate(period store.Period, now time.Time) ([]store.AggregateBucket, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAutomation exposes the script manager and engine under
// /api/automation.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// Server is the HTTP server for the dashboard API.
type Server struct {
	poller         Poller
	sessions       Sessions
	history        History
	wsHub          *WSHub
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string
	version        string
	now            func() time.Time
	unsubEvents    func()
}

// NewServer creates a new web server. Monitor events are pushed to
// WebSocket clients until Stop is called.
func NewServer(poller Poller, sessions Sessions, history History, events *monitor.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		poller:   poller,
		sessions: sessions,
		history:  history,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
		version:  "dev",
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)

	if events != nil {
		s.unsubEvents = events.OnAll(func(event monitor.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop detaches the server from the event bus and disconnects WebSocket
// clients.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/history/{period}", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/init", s.handleAPIInit)
	s.mux.HandleFunc("GET /api/info", s.handleAPIInfo)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automation
	s.mux.HandleFunc("GET /api/automation/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/automation/scripts/{id}/reload", s.handleAPIReloadScript)
	s.mux.HandleFunc("POST /api/automation/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/automation/run", s.handleAPIRunLua)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
