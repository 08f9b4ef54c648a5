package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBadRequest         = errors.New("bad request")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyDisabled        = errors.New("api key disabled")
	ErrUserDisabled       = errors.New("user disabled")
	ErrUserExpired        = errors.New("user expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrQuotaExceeded      = errors.New("quota exhausted and balance insufficient")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrNoProvider         = errors.New("no provider available")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrClientAbort        = errors.New("client closed request")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// RateLimitError is a guard denial carrying the scope the 429 response
// reports in X-RateLimit-Type. It wraps ErrRateLimited or ErrQuotaExceeded
// so callers can branch with errors.Is.
type RateLimitError struct {
	Scope  string // "user", "key" or "provider"
	Reason string
	Err    error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s limit: %s", e.Scope, e.Reason)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx reply from a provider. Snippet is a
// bounded-length copy of the upstream body kept for the audit row; it is
// never sent to clients.
type UpstreamError struct {
	Status  int
	Snippet string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Retryable reports whether the status indicates the next provider may
// succeed. Every 4xx/5xx switches providers; the distinction only matters
// for logging severity.
func (e *UpstreamError) Retryable() bool {
	switch e.Status {
	case 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// ErrorKindForStatus maps a response status to the error kind clients see
// in the proxy error envelope.
func ErrorKindForStatus(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401, 403:
		return "authentication_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	case StatusClientClosed:
		return "client_closed"
	case 529:
		return "overloaded_error"
	}
	if status >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}

// ErrorBody renders the proxy error envelope. Every proxy-generated error
// uses this shape regardless of the client dialect.
func ErrorBody(kind, message string) []byte {
	var e struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e.Type = "error"
	e.Error.Type = kind
	e.Error.Message = message
	b, _ := json.Marshal(e)
	return b
}
