// Package errclass defines the migration error taxonomy and maps it to
// standard exit codes for CLI operations, so schedulers (Airflow,
// Kubernetes jobs) can distinguish recoverable from terminal failures.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a migration error.
type Kind string

const (
	// KindConnection covers connection drops, DNS failures and 5xx
	// responses from a provider (transient).
	KindConnection Kind = "connection"
	// KindAuth covers 401/403 outcomes that survive a token refresh
	// (terminal).
	KindAuth Kind = "auth"
	// KindRateLimit covers 429 responses (transient, honors Retry-After).
	KindRateLimit Kind = "rate_limit"
	// KindCircuitOpen is returned when the circuit breaker fails fast
	// without contacting the provider.
	KindCircuitOpen Kind = "circuit_open"
	// KindValidation covers configuration and mapping validation
	// failures (terminal, never retried).
	KindValidation Kind = "validation"
	// KindTransformation covers field transformation evaluation failures
	// (terminal, attached to the specific item/mapping).
	KindTransformation Kind = "transformation"
	// KindConversion covers attachment document/image conversion
	// failures (terminal per attachment).
	KindConversion Kind = "conversion"
	// KindResource covers quota and size-limit rejections.
	KindResource Kind = "resource"
	// KindTimeout covers per-call deadline expiry (transient).
	KindTimeout Kind = "timeout"
	// KindCancelled marks cooperative job cancellation.
	KindCancelled Kind = "cancelled"
	// KindSystem is the catch-all for unexpected internal errors.
	KindSystem Kind = "system"
)

// Error is a classified migration error. Component and Context identify
// where the failure happened; Attempts records how many provider
// invocations were consumed before surfacing.
type Error struct {
	Kind       Kind
	StatusCode int
	Component  string
	Message    string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s (after %d attempts)", e.Kind, msg, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// KindSystem; context cancellation and deadline errors map to their
// taxonomy entries so retry logic treats them correctly.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindSystem
	}
}

// IsTransient reports whether an error class may be retried.
// Validation, transformation, auth and conversion errors are never
// retried; circuit-open short-circuits without consuming retry budget.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// FromStatus classifies an HTTP-like status code from a provider.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestEntityTooLarge || code == http.StatusInsufficientStorage:
		return KindResource
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindConnection
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindSystem
	}
}

// RetryAfterOf returns the provider-signalled retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
