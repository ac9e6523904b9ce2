// Package errs defines the error taxonomy shared by conclave components.
//
// Every error returned across a package boundary wraps one of the sentinels
// below so callers can branch with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed task graph or request.
	ErrValidation = errors.New("validation error")
	// ErrSpawn indicates a worker process could not be started.
	ErrSpawn = errors.New("spawn error")
	// ErrExecution indicates a worker ran but reported failure.
	ErrExecution = errors.New("execution error")
	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrLeaseConflict indicates a lease expired or was reassigned.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrPersistence indicates the durable store failed.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound indicates an unknown id.
	ErrNotFound = errors.New("not found")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// Spawn returns an error wrapping ErrSpawn and cause.
func Spawn(cause error, format string, args ...any) error {
	return wrapCause(ErrSpawn, cause, format, args...)
}

// Execution returns an error wrapping ErrExecution.
func Execution(format string, args ...any) error {
	return wrap(ErrExecution, format, args...)
}

// Timeout returns an error wrapping ErrTimeout.
func Timeout(format string, args ...any) error {
	return wrap(ErrTimeout, format, args...)
}

// LeaseConflict returns an error wrapping ErrLeaseConflict.
func LeaseConflict(format string, args ...any) error {
	return wrap(ErrLeaseConflict, format, args...)
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Persistence wraps a store failure. A nil cause yields nil.
func Persistence(cause error, op string) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, cause)
}

// Kind names the sentinel an error wraps, or "error" when none matches.
func Kind(err error) string {
	for _, s := range []error{ErrValidation, ErrSpawn, ErrExecution, ErrTimeout, ErrLeaseConflict, ErrPersistence, ErrNotFound} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "error"
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func wrapCause(sentinel, cause error, format string, args ...any) error {
	if cause == nil {
		return wrap(sentinel, format, args...)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, fmt.Sprintf(format, args...), cause)
}
