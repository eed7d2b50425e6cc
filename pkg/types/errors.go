package types

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected means no connection slot freed up in time
	ErrAdmissionRejected = errors.New("admission rejected: capacity exhausted")

	// ErrUnauthenticated means the caller identity is missing or unresolvable
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the caller may not access the requested resource
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is wrapped by every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrTransientAggregation marks a retryable snapshot run failure
	ErrTransientAggregation = errors.New("transient aggregation failure")

	// ErrEventRecording marks a swallowed analytics write failure
	ErrEventRecording = errors.New("event recording failed")

	// ErrConnectionClosed is returned for operations on a released connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotFound is returned by stores for missing keys
	ErrNotFound = errors.New("not found")
)

// ValidationError reports an invalid field in a request
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
