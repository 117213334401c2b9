package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidState is returned for illegal transitions.
	ErrInvalidState = errors.New("invalid task state")
	// ErrQuotaExceeded is returned when a plan limit blocks task creation.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNotFound is returned for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrNoTask is the steady-state "nothing eligible" dequeue result.
	ErrNoTask = errors.New("no task available")
)

// InvalidState builds an ErrInvalidState error for a rejected command.
func InvalidState(taskID string, from, to TaskStatus) error {
	return fmt.Errorf("task %s: %s -> %s: %w", taskID, from, to, ErrInvalidState)
}

// TransientError marks a retryable infrastructure failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as transient unless it is nil.
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FatalError marks an unrecoverable task-level failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatal wraps err as fatal unless it is nil.
func NewFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// FailureKind is the manager's classification of a cycle error.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransient
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify maps an error onto the failure taxonomy. Timeouts, network
// errors and anything not explicitly fatal are transient; the retry ceiling
// bounds them.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return FailureFatal
	}
	return FailureTransient
}

// IsTimeout reports deadline and network timeouts.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
