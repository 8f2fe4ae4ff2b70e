package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the execution pipeline
var (
	ErrTransientNetwork    = errors.New("transient network error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicatePosition   = errors.New("position already exists")
	ErrLowPriceConfidence  = errors.New("price confidence below threshold")
	ErrAIServiceFailure    = errors.New("ai service failure")
	ErrOrderRejected       = errors.New("order rejected")
	ErrPersistenceFailure  = errors.New("persistence failure")

	ErrAutoStopTriggered = errors.New("auto-stop threshold reached")
	ErrPositionNotFound  = errors.New("position not found")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrNoPriceSources    = errors.New("no price sources available")
)

// ExecutionError annotates a taxonomy error with the failing operation
type ExecutionError struct {
	Kind error
	Op   string
	Err  error
}

// NewExecutionError wraps err under the given kind
func NewExecutionError(kind error, op string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Op: op, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches the error kind, so errors.Is(err, ErrOrderRejected) works through the wrapper
func (e *ExecutionError) Is(target error) bool {
	return e.Kind == target
}

// IsSkip reports whether err represents a no-op rather than a failure
func IsSkip(err error) bool {
	return errors.Is(err, ErrDuplicatePosition)
}
