// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotFound indicates no flow definition exists for the given ID.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates no execution record exists for the given ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates a create collided with an existing record.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrStaleExecution indicates a conditional update was rejected because the
	// execution advanced since it was read. Callers should reload and retry.
	ErrStaleExecution = errors.New("execution moved since read")

	// ErrDelayTaskNotFound indicates no delay task exists for the given execution.
	ErrDelayTaskNotFound = errors.New("delay task not found")

	// ErrDelayTaskExists indicates an unprocessed delay task is already parked
	// for the execution; at most one may exist at a time.
	ErrDelayTaskExists = errors.New("unprocessed delay task already exists")
)

// ExecutionError wraps execution storage failures with operation context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
