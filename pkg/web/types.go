// Package web provides HTTP request and response types for the journey API.
package web

import (
	"github.com/trilhacare/trilha/pkg/models"
)

// StartExecutionRequest represents the request body for enrolling a patient
// into a flow.
type StartExecutionRequest struct {
	PatientID string `json:"patient_id" validate:"required,min=1"`
}

// CompleteStepRequest represents the request body for completing the current
// step of an execution. Response carries the patient's input: a number for
// number nodes, an option id for question nodes, absent for informational
// steps.
type CompleteStepRequest struct {
	Response any `json:"response,omitempty"`
}

// FlowSummary is the list-view projection of a flow definition.
type FlowSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	NodeCount int    `json:"node_count"`
}

// TransformFlowSummary projects a flow definition into its list view.
func TransformFlowSummary(flow *models.FlowDefinition) FlowSummary {
	return FlowSummary{
		ID:        flow.ID,
		Name:      flow.Name,
		IsActive:  flow.IsActive,
		NodeCount: len(flow.Nodes),
	}
}
