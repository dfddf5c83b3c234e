package models

import "time"

// ExecutionStatus is the lifecycle state of one patient's run through a flow.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in-progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// StepSnapshot captures the node an execution is currently displaying or
// awaiting, for renderer-facing reads without reloading the flow.
type StepSnapshot struct {
	NodeID      string     `json:"node_id"`
	Type        NodeType   `json:"type"`
	Title       string     `json:"title"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

// FlowExecution tracks one patient's progress through a flow definition. It is
// mutated exclusively by the execution engine; the accumulated result maps
// grow monotonically as steps complete.
type FlowExecution struct {
	ID                  string             `json:"id"`
	FlowID              string             `json:"flow_id"    validate:"required"`
	PatientID           string             `json:"patient_id" validate:"required"`
	Status              ExecutionStatus    `json:"status"`
	CurrentNode         string             `json:"current_node"`
	CurrentStep         *StepSnapshot      `json:"current_step,omitempty"`
	Progress            int                `json:"progress"`
	TotalSteps          int                `json:"total_steps"`
	CompletedSteps      int                `json:"completed_steps"`
	NextStepAvailableAt *time.Time         `json:"next_step_available_at,omitempty"`
	CalculatorResults   map[string]float64 `json:"calculator_results"`
	QuestionResponses   map[string]string  `json:"question_responses"`
	LastResult          *float64           `json:"last_result,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Clone returns a deep copy. The engine mutates a clone and persists it, so a
// failed transition leaves the caller's record untouched.
func (e *FlowExecution) Clone() *FlowExecution {
	clone := *e

	clone.CalculatorResults = make(map[string]float64, len(e.CalculatorResults))
	for k, v := range e.CalculatorResults {
		clone.CalculatorResults[k] = v
	}

	clone.QuestionResponses = make(map[string]string, len(e.QuestionResponses))
	for k, v := range e.QuestionResponses {
		clone.QuestionResponses[k] = v
	}

	if e.CurrentStep != nil {
		step := *e.CurrentStep
		clone.CurrentStep = &step
	}

	if e.NextStepAvailableAt != nil {
		at := *e.NextStepAvailableAt
		clone.NextStepAvailableAt = &at
	}

	if e.LastResult != nil {
		v := *e.LastResult
		clone.LastResult = &v
	}

	return &clone
}

// IsTerminal reports whether the execution will never be advanced again.
func (e *FlowExecution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusCancelled
}

// IsParked reports whether the execution is waiting on a delay node for the
// scheduler to resume it.
func (e *FlowExecution) IsParked() bool {
	return e.NextStepAvailableAt != nil
}

// DelayTask parks an execution until TriggerAt. At most one unprocessed task
// exists per execution; Processed flips false to true exactly once, atomically
// with the execution's advance.
type DelayTask struct {
	ExecutionID  string    `json:"execution_id" validate:"required"`
	TriggerAt    time.Time `json:"trigger_at"   validate:"required"`
	NextNodeID   string    `json:"next_node_id"`
	NextNodeType NodeType  `json:"next_node_type"`
	Processed    bool      `json:"processed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Due reports whether the task's wait period has elapsed at the given instant.
func (t *DelayTask) Due(now time.Time) bool {
	return !t.Processed && !t.TriggerAt.After(now)
}
