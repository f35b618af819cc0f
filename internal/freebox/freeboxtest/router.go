// Package freeboxtest provides an in-process fake of the router's local API
// for tests.
package freeboxtest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// TrackID is the pairing track id handed out by the fake.
const TrackID = 7

// Router is a fake router API served over httptest. Payload fields may be
// replaced before the first request; the control methods are safe to call
// at any time.
type Router struct {
	AppToken   string
	System     map[string]any
	Connection map[string]any
	Hosts      []map[string]any
	Wifi       map[string]any
	APs        map[int]map[string]any

	server *httptest.Server

	mu           sync.Mutex
	calls        map[string]int
	pairing      []string
	rejectToken  bool
	authRequired map[string]int
	failures     map[string]string
	challenge    string
	nChallenge   int
	session      string
	nSession     int
}

// New starts a fake router with plausible default payloads. It is closed
// when the test ends.
func New(t testing.TB) *Router {
	t.Helper()
	r := &Router{
		AppToken: "dyNYgfK0Ya6FWGqq83sBHa7TwzWo+pg4fDFUJHShcjVYzTfaRrZzm93p7OTAfH/0",
		System: map[string]any{
			"uptime":           "2 jours 3 heures 4 minutes",
			"uptime_val":       183840,
			"board_name":       "fbxgw8r",
			"serial":           "808C0A21-1234",
			"firmware_version": "4.8.9",
			"fan_rpm":          1450,
			"sensors": []map[string]any{
				{"id": "temp_cpum", "name": "Température CPU M", "value": 60},
				{"id": "temp_cpub", "name": "Température CPU B", "value": 50},
				{"id": "temp_sw", "name": "Température Switch", "value": 43},
				{"id": "fan0_speed", "name": "Ventilateur 1", "value": 1450},
			},
		},
		Connection: map[string]any{
			"state":          "up",
			"type":           "ethernet",
			"media":          "ftth",
			"ipv4":           "82.64.1.2",
			"ipv6":           "2a01:e0a::1",
			"rate_down":      1250000,
			"rate_up":        250000,
			"bandwidth_down": 8000000000,
			"bandwidth_up":   700000000,
			"bytes_down":     987654321,
			"bytes_up":       123456789,
		},
		Hosts: []map[string]any{
			{"id": "ether-aa:bb:cc:00:00:01", "primary_name": "laptop", "host_type": "laptop", "active": true},
			{"id": "ether-aa:bb:cc:00:00:02", "primary_name": "phone", "host_type": "smartphone", "active": true},
			{"id": "ether-aa:bb:cc:00:00:03", "primary_name": "printer", "host_type": "printer", "active": false},
		},
		Wifi: map[string]any{"enabled": true},
		APs: map[int]map[string]any{
			0: {"name": "2.4G", "config": map[string]any{"enabled": true, "band": "2d4g"},
				"status": map[string]any{"state": "active", "primary_channel": 6, "channel_width": "20"}},
			1: {"name": "5G", "config": map[string]any{"enabled": true, "band": "5g"},
				"status": map[string]any{"state": "active", "primary_channel": 36, "channel_width": "80"}},
		},
		calls:        make(map[string]int),
		pairing:      []string{"granted"},
		failures:     make(map[string]string),
		authRequired: make(map[string]int),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.server.Close)
	return r
}

// URL is the base to configure the client with (without /api/v8).
func (r *Router) URL() string { return r.server.URL }

// Close stops the server early, making the router unreachable.
func (r *Router) Close() { r.server.Close() }

// Calls returns how many times "METHOD /path" was requested, e.g.
// "POST /login/authorize".
func (r *Router) Calls(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// SetPairing sets the statuses successive track polls report. The last one
// repeats.
func (r *Router) SetPairing(statuses ...string) {
	r.mu.Lock()
	r.pairing = statuses
	r.mu.Unlock()
}

// RejectToken makes session logins fail with invalid_token.
func (r *Router) RejectToken(reject bool) {
	r.mu.Lock()
	r.rejectToken = reject
	r.mu.Unlock()
}

// RequireAuth makes the next n /system calls answer auth_required whatever
// token they carry.
func (r *Router) RequireAuth(n int) {
	r.RequireAuthOn("/system", n)
}

// RequireAuthOn makes the next n calls to path answer auth_required.
func (r *Router) RequireAuthOn(path string, n int) {
	r.mu.Lock()
	r.authRequired[path] = n
	r.mu.Unlock()
}

// Expire forgets the current session token.
func (r *Router) Expire() {
	r.mu.Lock()
	r.session = ""
	r.mu.Unlock()
}

// Fail makes path answer success=false with code. An empty code makes it
// answer a non-JSON 500 body instead.
func (r *Router) Fail(path, code string) {
	r.mu.Lock()
	r.failures[path] = code
	r.mu.Unlock()
}

// Clear removes a failure set with Fail.
func (r *Router) Clear(path string) {
	r.mu.Lock()
	delete(r.failures, path)
	r.mu.Unlock()
}

// Password is the login password the fake expects for appToken and challenge.
func Password(appToken, challenge string) string {
	mac := hmac.New(sha1.New, []byte(appToken))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Router) serve(w http.ResponseWriter, req *http.Request) {
	path, ok := strings.CutPrefix(req.URL.Path, "/api/v8")
	if !ok {
		http.NotFound(w, req)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[req.Method+" "+path]++

	if code, failing := r.failures[path]; failing {
		if code == "" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "<html>internal error</html>")
			return
		}
		fail(w, http.StatusBadRequest, code, "forced failure")
		return
	}
	if r.authRequired[path] > 0 {
		r.authRequired[path]--
		fail(w, http.StatusForbidden, "auth_required", "Invalid session token, or no session token sent")
		return
	}

	switch {
	case req.Method == http.MethodPost && path == "/login/authorize":
		ok200(w, map[string]any{"app_token": r.AppToken, "track_id": TrackID})
	case req.Method == http.MethodGet && path == fmt.Sprintf("/login/authorize/%d", TrackID):
		status := r.pairing[0]
		if len(r.pairing) > 1 {
			r.pairing = r.pairing[1:]
		}
		ok200(w, map[string]any{"status": status, "challenge": "unused"})
	case req.Method == http.MethodGet && path == "/login":
		r.nChallenge++
		r.challenge = fmt.Sprintf("challenge-%d", r.nChallenge)
		ok200(w, map[string]any{"logged_in": false, "challenge": r.challenge})
	case req.Method == http.MethodPost && path == "/login/session":
		r.openSession(w, req)
	case req.Method == http.MethodGet && path == "/system":
		r.authenticated(w, req, r.System)
	case req.Method == http.MethodGet && path == "/connection":
		r.authenticated(w, req, r.Connection)
	case req.Method == http.MethodGet && path == "/lan/browser/pub":
		r.authenticated(w, req, r.Hosts)
	case req.Method == http.MethodGet && path == "/wifi/config":
		r.authenticated(w, req, r.Wifi)
	case req.Method == http.MethodGet && strings.HasPrefix(path, "/wifi/ap/"):
		var id int
		if _, err := fmt.Sscanf(path, "/wifi/ap/%d", &id); err != nil {
			fail(w, http.StatusNotFound, "invalid_request", "bad ap id")
			return
		}
		ap, found := r.APs[id]
		if !found {
			fail(w, http.StatusNotFound, "invalid_id", "no such ap")
			return
		}
		r.authenticated(w, req, ap)
	default:
		fail(w, http.StatusNotFound, "invalid_api_version", "unknown endpoint")
	}
}

func (r *Router) openSession(w http.ResponseWriter, req *http.Request) {
	var body struct {
		AppID    string `json:"app_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.rejectToken || r.challenge == "" || body.Password != Password(r.AppToken, r.challenge) {
		fail(w, http.StatusForbidden, "invalid_token", "The app token you are trying to use is invalid or has been revoked")
		return
	}
	r.challenge = ""
	r.nSession++
	r.session = fmt.Sprintf("session-%d", r.nSession)
	ok200(w, map[string]any{
		"session_token": r.session,
		"challenge":     "next",
		"permissions":   map[string]bool{"settings": false, "contacts": false, "explorer": false},
	})
}

func (r *Router) authenticated(w http.ResponseWriter, req *http.Request, result any) {
	if r.session == "" || req.Header.Get("X-Fbx-App-Auth") != r.session {
		fail(w, http.StatusForbidden, "auth_required", "Invalid session token, or no session token sent")
		return
	}
	ok200(w, result)
}

func ok200(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
}

func fail(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error_code": code, "msg": msg})
}
