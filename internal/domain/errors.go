package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a feature record or batch is malformed
	ErrValidation = errors.New("validation error")

	// ErrModelUnavailable is returned when the model registry cannot resolve the active model
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrScoringFailed is returned when the underlying prediction call fails
	ErrScoringFailed = errors.New("scoring failed")

	// ErrQueueUnavailable is returned when the broker refuses a job message
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrUnknownJob is returned when a job id was never submitted or has expired
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobTerminal is returned when a write targets a job that already reached SUCCESS or FAILURE
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrInvalidMessage is returned when a broker message cannot be decoded
	ErrInvalidMessage = errors.New("invalid job message")
)

// ValidationError describes a single rejected measurement.
type ValidationError struct {
	Index  int // position in the batch, -1 for a standalone record
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("validation error: record %d: %s %s (got %v)", e.Index, e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("validation error: %s %s (got %v)", e.Field, e.Reason, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
