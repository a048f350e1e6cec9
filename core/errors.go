package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Lookup errors
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStepNotFound      = errors.New("workflow step not found")
	ErrExecutionNotFound = errors.New("execution not found")

	// Uniqueness / admission errors
	ErrDuplicateWorkflow  = errors.New("workflow with this name and version already exists")
	ErrDuplicateStep      = errors.New("step with this order already exists")
	ErrDuplicateExecution = errors.New("execution with this idempotency key already exists")
	ErrWorkflowNotActive  = errors.New("workflow is not active")
	ErrWorkflowNotDraft   = errors.New("workflow is not in draft")

	// State errors
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrExecutionNotRetryable   = errors.New("execution cannot be retried")
	ErrExecutionNotCancellable = errors.New("execution cannot be cancelled")
	ErrDefinitionCorrupt       = errors.New("workflow definition is corrupt")

	// Handler errors
	ErrHandlerNotFound = errors.New("no handler registered for task type")

	// Infrastructure errors
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrQueueUnavailable = errors.New("task queue unavailable")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "store.CreateExecution")
	Kind    string // Error kind (e.g., "workflow", "execution", "queue")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error. A crafted Message
// takes precedence: it is the operator-facing text the API returns, while Op
// and Err remain available for wrapping and classification.
func (e *EngineError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// RetryableError is a handler outcome signalling a transient fault. The
// engine may retry the step until its attempt budget runs out.
type RetryableError struct {
	Message string
	Details JSONMap
}

func (e *RetryableError) Error() string {
	return e.Message
}

// NewRetryableError creates a transient handler failure.
func NewRetryableError(format string, args ...interface{}) *RetryableError {
	return &RetryableError{Message: fmt.Sprintf(format, args...)}
}

// FatalError is a handler outcome signalling a permanent fault. The engine
// does not retry the step; the failure short-circuits to the execution level.
type FatalError struct {
	Message string
	Details JSONMap
}

func (e *FatalError) Error() string {
	return e.Message
}

// NewFatalError creates a permanent handler failure.
func NewFatalError(format string, args ...interface{}) *FatalError {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether a handler error is a permanent fault.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetryable reports whether a handler error may be retried. Anything that
// is not explicitly fatal counts as transient, including handler timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// IsTimeout reports whether a handler error was caused by the step's
// deadline. Timeouts are retryable.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorDetails extracts the structured details a handler attached to its
// outcome, if any.
func ErrorDetails(err error) JSONMap {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return retryable.Details
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Details
	}
	return nil
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrHandlerNotFound)
}

// IsConflict checks if an error represents a uniqueness or admission
// conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateWorkflow) ||
		errors.Is(err, ErrDuplicateStep) ||
		errors.Is(err, ErrDuplicateExecution) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrExecutionNotRetryable) ||
		errors.Is(err, ErrExecutionNotCancellable)
}

// IsUnavailable checks if an error is an infrastructure fault. Workers
// propagate these without acknowledging, so the lease expires and the
// message is redelivered.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrQueueUnavailable)
}
