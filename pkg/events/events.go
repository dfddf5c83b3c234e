// Package events defines the lifecycle events the engine publishes as
// executions move through their flows. Publication is fire-and-forget and
// never part of a state transition.
package events

import (
	"time"

	"github.com/trilhacare/trilha/pkg/models"
)

type EventType string

// Topic carries every execution lifecycle event.
const Topic = "trilha.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent       EventType = "execution.started"
	ExecutionStepCompletedEvent EventType = "execution.step.completed"
	ExecutionDelayedEvent       EventType = "execution.delayed"
	ExecutionResumedEvent       EventType = "execution.resumed"
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"
	NotificationRequestedEvent  EventType = "notification.requested"
)

// Event is implemented by every published payload.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	FlowID      string    `json:"flow_id"`
	ExecutionID string    `json:"execution_id"`
	PatientID   string    `json:"patient_id,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	FirstNodeID string `json:"first_node_id"`
	TotalSteps  int    `json:"total_steps"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionStepCompleted struct {
	BaseEvent

	NodeID         string          `json:"node_id"`
	NodeType       models.NodeType `json:"node_type"`
	NextNodeID     string          `json:"next_node_id,omitempty"`
	MatchedLabel   string          `json:"matched_label,omitempty"`
	CompletedSteps int             `json:"completed_steps"`
	Progress       int             `json:"progress"`
}

func (e ExecutionStepCompleted) GetType() EventType { return ExecutionStepCompletedEvent }

type ExecutionDelayed struct {
	BaseEvent

	DelayNodeID string    `json:"delay_node_id"`
	NextNodeID  string    `json:"next_node_id"`
	AvailableAt time.Time `json:"available_at"`
}

func (e ExecutionDelayed) GetType() EventType { return ExecutionDelayedEvent }

type ExecutionResumed struct {
	BaseEvent

	DelayNodeID string `json:"delay_node_id"`
	NodeID      string `json:"node_id"`
}

func (e ExecutionResumed) GetType() EventType { return ExecutionResumedEvent }

type ExecutionCompleted struct {
	BaseEvent

	FinalNodeID    string `json:"final_node_id"`
	CompletedSteps int    `json:"completed_steps"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionCancelled struct {
	BaseEvent
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

// NotificationRequested records that a form hand-off node asked for an
// outbound message; delivery itself is the notifier's business.
type NotificationRequested struct {
	BaseEvent

	Template string `json:"template"`
	FormName string `json:"form_name"`
}

func (e NotificationRequested) GetType() EventType { return NotificationRequestedEvent }
