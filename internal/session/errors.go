package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ConflictError is returned when session creation hits the server's
// one-session-per-caller limiter. ActiveStreamID names the session currently
// holding the slot; the controller deletes it and retries create once.
type ConflictError struct {
	ActiveStreamID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session limit reached, active stream %s", e.ActiveStreamID)
}

// APIError is a non-2xx response from the session API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, truncate(e.Body, 200))
}

// Retryable reports whether the failure is a transient one worth another
// attempt under the caller's policy (409/429/5xx, per the backend's habit of
// answering those while still warming up).
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusConflict:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// NotReady reports a 404 whose body indicates the pipeline has not warmed up
// yet. Treated as an expected warmup signal, not a counted failure.
func (e *APIError) NotReady() bool {
	if e.StatusCode != http.StatusNotFound {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "not ready")
}

// IsTransient reports whether err is a retryable API error or a
// network/timeout failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
