package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Error taxonomy. Callers wrap these with context and test with errors.Is.
var (
	ErrTransient          = errors.New("transient failure")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAccessDenied       = errors.New("access denied")
	ErrExtraction         = errors.New("extraction failed")
	ErrSessionLost        = errors.New("session lost")
	ErrInfrastructure     = errors.New("infrastructure unavailable")
	ErrCredentialsRevoked = errors.New("credentials revoked")
)

// StatusError reports a non-success HTTP status from a page or API.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d for %s", e.Status, e.URL)
}

// Unwrap maps the status to the taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden || e.Status == http.StatusUnavailableForLegalReasons:
		return ErrAccessDenied
	case e.Status >= 500 || e.Status == http.StatusRequestTimeout:
		return ErrTransient
	default:
		return nil
	}
}

// CheckStatus returns a *StatusError for statuses >= 400.
func CheckStatus(status int, url string) error {
	if status >= http.StatusBadRequest {
		return &StatusError{Status: status, URL: url}
	}
	return nil
}

// IsRetryable reports whether err is worth another attempt after backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

var sessionLostMarkers = []string{
	"target closed",
	"session closed",
	"protocol error",
	"channel closed",
	"invalid context",
	"websocket",
}

// IsSessionLost reports whether err means the session can no longer be used.
func IsSessionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionLost) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sessionLostMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
