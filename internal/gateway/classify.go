package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/eargollo/piiscan/internal/apperr"
)

// StatusError is a non-2xx reply from a gateway endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.Code, e.Body)
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		return true
	default:
		return false
	}
}

// ClassifyStatus wraps a non-2xx reply with the matching kind.
func ClassifyStatus(op, endpoint string, code int, body string) error {
	err := &StatusError{Endpoint: endpoint, Code: code, Body: body}
	if TransientStatus(code) {
		return apperr.Transient(op, err)
	}
	return apperr.Permanent(op, err)
}

// ClassifyTransport wraps an error returned by http.Client.Do. Timeouts,
// refused connections and other network failures are transient. Cancellation
// of parent is returned as is so the caller can stop.
func ClassifyTransport(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(op, fmt.Errorf("call timed out: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.Transient(op, err)
	}
	// Anything the transport could not categorise (malformed URL, bad
	// scheme) will not improve on retry.
	return apperr.Permanent(op, err)
}

// Truncate bounds error bodies kept in logs and last_error.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
