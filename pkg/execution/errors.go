// Package execution owns the per-patient state machine that walks a flow
// graph: live step completion, delayed resumption, cancellation.
package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionTerminal indicates an advance was attempted on a completed or
	// cancelled execution.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrExecutionParked indicates a live step completion was attempted while
	// the execution waits on a delay node. Only the scheduler advances out of
	// that state.
	ErrExecutionParked = errors.New("execution is waiting on a delay")

	// ErrFlowMismatch indicates the loaded flow is not the one the execution
	// was started against.
	ErrFlowMismatch = errors.New("flow does not match execution")
)

// MissingNodeError indicates the execution points at a node the flow no
// longer contains.
type MissingNodeError struct {
	NodeID string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("node %s not found in flow", e.NodeID)
}

// MissingEdgeError indicates a non-terminal node lacks the outgoing edge the
// engine needs to advance. The execution stays parked; this is a flow
// authoring defect, not a runtime race.
type MissingEdgeError struct {
	NodeID string
	Handle string
	Err    error
}

func (e *MissingEdgeError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("node %s has no outgoing edge for handle %s", e.NodeID, e.Handle)
	}

	if e.Err != nil {
		return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
	}

	return fmt.Sprintf("node %s has no outgoing edge", e.NodeID)
}

func (e *MissingEdgeError) Unwrap() error {
	return e.Err
}
