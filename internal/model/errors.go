package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Callers should
// match with errors.Is / errors.As rather than string comparison.
var (
	// ErrTransientStore indicates an I/O failure against one of the
	// backing stores. Jobs hitting it are retried with backoff.
	ErrTransientStore = errors.New("transient store error")

	// ErrPolicyNotFound indicates there is no active policy for a
	// tenant. The scoring pass for that tenant aborts; no default is
	// silently assumed.
	ErrPolicyNotFound = errors.New("no active policy for tenant")

	// ErrConcurrencyConflict indicates an optimistic-concurrency
	// version mismatch on a candidate update. The caller must re-read
	// and retry, never overwrite.
	ErrConcurrencyConflict = errors.New("candidate version conflict")

	// ErrDependencyUnavailable indicates an external input source
	// (controls posture, external feeds) was unreachable. Scoring
	// proceeds degraded on last-known values.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a decision-state transition that
	// the lifecycle state machine does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError reports a malformed or out-of-range signal or policy
// input. Validation failures are terminal for the offending record and
// are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
