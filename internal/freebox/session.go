package freebox

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"freebox-monitor/internal/store"
)

// AppIdentity is the descriptor shown to the user on the router when pairing.
type AppIdentity struct {
	AppID      string
	AppName    string
	AppVersion string
	DeviceName string
}

// SessionState is the position in the pairing/login lifecycle.
type SessionState string

const (
	StateNoCredential     SessionState = "no_credential"
	StateAwaitingApproval SessionState = "awaiting_approval"
	StatePaired           SessionState = "paired"
	StateEstablished      SessionState = "session_established"
	StateExpired          SessionState = "session_expired"
)

// Session is a short-lived credential derived from the app token. It is
// never persisted.
type Session struct {
	Token       string          `json:"-"`
	Permissions map[string]bool `json:"permissions"`
	IssuedAt    time.Time       `json:"issued_at"`
}

func (s *Session) token() string {
	if s == nil {
		return ""
	}
	return s.Token
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithPairingWait sets how long to wait for the user to approve pairing and
// how often to check.
func WithPairingWait(timeout, interval time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.pairingTimeout = timeout
		}
		if interval > 0 {
			m.pairingInterval = interval
		}
	}
}

// WithStateListener registers a callback invoked on every state change.
func WithStateListener(fn func(SessionState)) SessionOption {
	return func(m *SessionManager) {
		m.onState = fn
	}
}

// SessionManager owns the pairing handshake and the single live session.
type SessionManager struct {
	client *Client
	creds  store.CredentialStore
	app    AppIdentity
	logger *slog.Logger

	pairingTimeout  time.Duration
	pairingInterval time.Duration
	onState         func(SessionState)

	// mu serializes acquisition so concurrent callers never pair or log in twice.
	mu      sync.Mutex
	session *Session

	stateMu sync.RWMutex
	state   SessionState
}

// NewSessionManager creates a session manager. The initial state reflects
// whether an app token is already stored.
func NewSessionManager(client *Client, creds store.CredentialStore, app AppIdentity, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		client:          client,
		creds:           creds,
		app:             app,
		logger:          logger.With("component", "session"),
		pairingTimeout:  120 * time.Second,
		pairingInterval: 2 * time.Second,
		state:           StateNoCredential,
	}
	for _, opt := range opts {
		opt(m)
	}
	if _, err := creds.GetAppToken(); err == nil {
		m.state = StatePaired
	}
	return m
}

// Client returns the underlying API client.
func (m *SessionManager) Client() *Client {
	return m.client
}

// State returns the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *SessionManager) setState(s SessionState) {
	m.stateMu.Lock()
	changed := m.state != s
	m.state = s
	m.stateMu.Unlock()
	if changed {
		m.logger.Debug("session state", "state", s)
		if m.onState != nil {
			m.onState(s)
		}
	}
}

// EnsureSession returns the live session, pairing and logging in first when
// needed.
func (m *SessionManager) EnsureSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	return m.establish(ctx)
}

// Invalidate drops the live session; the next EnsureSession logs in again.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session = nil
		m.setState(StateExpired)
	}
}

// Relogin replaces a session the router reported as expired. If another
// caller already replaced stale, the newer session is returned without a
// second login. Any failure is reported as ErrSessionExpired.
func (m *SessionManager) Relogin(ctx context.Context, stale *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session != stale {
		return m.session, nil
	}
	if m.session != nil {
		m.session = nil
		m.setState(StateExpired)
	}
	sess, err := m.establish(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return sess, nil
}

// establish must be called with mu held.
func (m *SessionManager) establish(ctx context.Context) (*Session, error) {
	token, err := m.creds.GetAppToken()
	switch {
	case errors.Is(err, store.ErrNotFound):
		token, err = m.pair(ctx)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load app token: %w", err)
	}

	sess, err := m.login(ctx, token)
	if err != nil {
		return nil, err
	}
	m.session = sess
	m.setState(StateEstablished)
	return sess, nil
}

// pair requests a new app token and waits for the user to approve it on the
// router's front panel.
func (m *SessionManager) pair(ctx context.Context) (string, error) {
	m.setState(StateAwaitingApproval)

	var res authorizeResult
	err := m.client.do(ctx, http.MethodPost, "/login/authorize", "", authorizeRequest{
		AppID:      m.app.AppID,
		AppName:    m.app.AppName,
		AppVersion: m.app.AppVersion,
		DeviceName: m.app.DeviceName,
	}, &res)
	if err != nil {
		m.setState(StateNoCredential)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case CodeAppsDenied, CodeNewAppsDenied, CodeDeniedExternal:
				return "", fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
			}
		}
		return "", fmt.Errorf("request authorization: %w", err)
	}
	if res.AppToken == "" {
		m.setState(StateNoCredential)
		return "", fmt.Errorf("%w: authorization reply without app_token", ErrProtocol)
	}

	m.logger.Warn("authorization required: press the arrow button on the Freebox Server front panel",
		"track_id", res.TrackID, "app_id", m.app.AppID)

	status, err := m.waitApproval(ctx, res.TrackID)
	if err != nil {
		m.setState(StateNoCredential)
		return "", err
	}

	switch status {
	case TrackGranted:
		if err := m.creds.SaveAppToken(res.AppToken); err != nil {
			m.setState(StateNoCredential)
			return "", fmt.Errorf("save app token: %w", err)
		}
		m.logger.Info("authorization granted", "track_id", res.TrackID)
		m.setState(StatePaired)
		return res.AppToken, nil
	case TrackDenied:
		m.setState(StateNoCredential)
		return "", fmt.Errorf("%w: pairing refused on the router", ErrAuthorizationDenied)
	case TrackUnknown:
		// The router no longer knows the track, so the pending token is void.
		m.setState(StateNoCredential)
		return "", fmt.Errorf("%w: authorization request %d revoked or expired", ErrAuthorizationDenied, res.TrackID)
	default:
		m.setState(StateNoCredential)
		return "", fmt.Errorf("%w: no approval within %s", ErrAuthorizationTimeout, m.pairingTimeout)
	}
}

// waitApproval polls the track status until it settles, the wait elapses or
// ctx is cancelled. Transient poll errors are retried on the next tick.
func (m *SessionManager) waitApproval(ctx context.Context, trackID int) (string, error) {
	deadline := time.NewTimer(m.pairingTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pairingInterval)
	defer ticker.Stop()

	path := fmt.Sprintf("/login/authorize/%d", trackID)
	for {
		var st trackStatus
		err := m.client.do(ctx, http.MethodGet, path, "", nil, &st)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.logger.Warn("check authorization status", "track_id", trackID, "err", err)
		case st.Status == TrackGranted, st.Status == TrackDenied, st.Status == TrackTimeout,
			st.Status == TrackUnknown:
			return st.Status, nil
		default:
			m.logger.Debug("waiting for approval", "track_id", trackID, "status", st.Status)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return TrackTimeout, nil
		case <-ticker.C:
		}
	}
}

// login runs the challenge-response exchange with the stored app token.
func (m *SessionManager) login(ctx context.Context, appToken string) (*Session, error) {
	var ch loginChallenge
	if err := m.client.do(ctx, http.MethodGet, "/login", "", nil, &ch); err != nil {
		return nil, fmt.Errorf("get login challenge: %w", err)
	}
	if ch.Challenge == "" {
		return nil, fmt.Errorf("%w: login reply without challenge", ErrProtocol)
	}

	var res sessionResult
	err := m.client.do(ctx, http.MethodPost, "/login/session", "", sessionRequest{
		AppID:    m.app.AppID,
		Password: Password(appToken, ch.Challenge),
	}, &res)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == CodeInvalidToken {
			if derr := m.creds.DeleteAppToken(); derr != nil {
				m.logger.Error("delete rejected app token", "err", derr)
			}
			m.setState(StateNoCredential)
			m.logger.Warn("app token rejected by router, pairing will restart")
			return nil, fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
		}
		return nil, fmt.Errorf("open session: %w", err)
	}
	if res.SessionToken == "" {
		return nil, fmt.Errorf("%w: session reply without session_token", ErrProtocol)
	}

	m.logger.Info("session opened", "permissions", len(res.Permissions))
	return &Session{
		Token:       res.SessionToken,
		Permissions: res.Permissions,
		IssuedAt:    time.Now(),
	}, nil
}

// Password derives the login password: hex(HMAC-SHA1(key=appToken, challenge)).
func Password(appToken, challenge string) string {
	mac := hmac.New(sha1.New, []byte(appToken))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
