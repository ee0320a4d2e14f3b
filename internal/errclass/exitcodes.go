package errclass

import (
	"errors"
	"os"
)

// Exit codes kept stable for Airflow/Kubernetes compatibility.
const (
	// ExitSuccess - migration completed without errors
	ExitSuccess = 0

	// ExitConfigError - configuration/YAML/JSON parsing errors (non-recoverable, don't retry)
	ExitConfigError = 1

	// ExitConnectionError - provider connection, rate-limit or circuit errors (recoverable)
	ExitConnectionError = 2

	// ExitMigrationError - item transfer, transformation or conversion failed (non-recoverable)
	ExitMigrationError = 3

	// ExitValidationError - mapping coverage or configure-time validation failed (non-recoverable)
	ExitValidationError = 4

	// ExitCancelled - user cancelled via SIGINT/SIGTERM or API (recoverable)
	ExitCancelled = 5

	// ExitStateError - job state store errors (non-recoverable)
	ExitStateError = 6

	// ExitIOError - file I/O errors (recoverable)
	ExitIOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// ExitCodeFor determines the appropriate exit code for an error.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return ExitIOError
	}

	switch KindOf(err) {
	case KindConnection, KindRateLimit, KindCircuitOpen, KindTimeout:
		return ExitConnectionError
	case KindValidation:
		return ExitValidationError
	case KindCancelled:
		return ExitCancelled
	case KindTransformation, KindConversion, KindResource, KindAuth:
		return ExitMigrationError
	default:
		return ExitMigrationError
	}
}
