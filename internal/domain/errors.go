package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned for unknown or expired job identifiers.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when mutating a job that already finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrInvalidTransition is returned for state machine violations.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrResultNotReady is returned when no result exists for a job yet.
	ErrResultNotReady = errors.New("result not ready")
)

// ValidationError rejects bad input at the gateway. It is never retried.
type ValidationError struct {
	Field   string
	Message string
	// TooLarge marks payloads over the configured size ceiling.
	TooLarge bool
	// Unsupported marks unsupported media types.
	Unsupported bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// TransientBackendError marks backend failures worth retrying.
type TransientBackendError struct {
	Backend string
	Err     error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// FatalProcessingError marks content the pipeline cannot process.
type FatalProcessingError struct {
	Stage string
	Err   error
}

func (e *FatalProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FatalProcessingError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientBackendError.
func Transient(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientBackendError{Backend: backend, Err: err}
}

// Fatal wraps err as a FatalProcessingError.
func Fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalProcessingError{Stage: stage, Err: err}
}

// IsRetryable reports whether err should be retried by the orchestrator.
// Attempt deadlines count as transient; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalProcessingError
	if errors.As(err, &fatal) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var transient *TransientBackendError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
