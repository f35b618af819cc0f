package freebox

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnectivity means the router could not be reached or timed out.
	ErrConnectivity = errors.New("router unreachable")
	// ErrAuthorizationDenied means pairing was refused or the app token was rejected.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrAuthorizationTimeout means nobody approved the pairing request in time.
	ErrAuthorizationTimeout = errors.New("authorization timeout")
	// ErrSessionExpired means a renewed session was rejected again.
	ErrSessionExpired = errors.New("session expired")
	// ErrUpstreamData means an essential fetch returned an unsuccessful or malformed payload.
	ErrUpstreamData = errors.New("upstream data error")
	// ErrProtocol means a response could not be decoded.
	ErrProtocol = errors.New("protocol error")
)

// Router error codes used by the session logic.
const (
	CodeAuthRequired   = "auth_required"
	CodeInvalidToken   = "invalid_token"
	CodeAppsDenied     = "apps_denied"
	CodeNewAppsDenied  = "new_apps_denied"
	CodeDeniedExternal = "denied_from_external_ip"
)

// APIError is a router reply with success=false. Payload holds the raw body
// so callers can echo the upstream diagnostic.
type APIError struct {
	Status  int
	Code    string
	Message string
	Payload json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("router error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("router error %s (http %d)", e.Code, e.Status)
}

// IsAuthRequired reports whether err is the router asking for a new session.
func IsAuthRequired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeAuthRequired
}

// UpstreamError is returned when an essential fetch fails. It matches
// ErrUpstreamData with errors.Is and keeps the router's diagnostic payload.
type UpstreamError struct {
	Resource string
	Payload  json.RawMessage
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamData, e.Err}
}

// NewUpstreamError wraps a failed essential fetch, lifting the payload from
// an APIError when there is one.
func NewUpstreamError(resource string, err error) *UpstreamError {
	ue := &UpstreamError{Resource: resource, Err: err}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		ue.Payload = apiErr.Payload
	}
	return ue
}
