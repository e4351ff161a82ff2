// Package oerr defines the error taxonomy shared across the engine.
package oerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAuthentication is returned when webhook or API credentials fail
	ErrAuthentication = errors.New("authentication failed")

	// ErrDuplicate is returned when a uniqueness constraint would be violated
	ErrDuplicate = errors.New("duplicate entity")

	// ErrQuotaExceeded is returned when a send quota window is exhausted
	ErrQuotaExceeded = errors.New("send quota exceeded")
)

// InvalidTransitionError reports a campaign or enrollment state transition
// that is not allowed from the current status.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s", e.Entity, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidationError reports a rejected input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExternalServiceError wraps a failure from a delivery or generation provider.
// Retryable failures are re-queued with backoff; permanent ones go straight to
// the dead letter bucket.
type ExternalServiceError struct {
	Service   string
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should be retried with backoff. Unknown
// errors are treated as retryable so transient faults are not dropped.
func IsRetryable(err error) bool {
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return ese.Retryable
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if IsInvalidTransition(err) {
		return false
	}
	return true
}
