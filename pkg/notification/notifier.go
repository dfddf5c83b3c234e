// Package notification delivers outbound patient messages when an execution
// reaches a form hand-off node. Delivery is fire-and-forget: a failed send is
// logged by the caller and never rolls back the state transition that
// triggered it.
package notification

import "context"

// Template names the engine dispatches with.
const (
	TemplateFormInvite   = "form_invite"
	TemplateFlowComplete = "flow_complete"
)

// Payload carries the template variables for one message.
type Payload struct {
	PatientID   string `json:"patient_id"`
	FormName    string `json:"form_name,omitempty"`
	ExecutionID string `json:"execution_id"`
}

// Notifier sends one templated message.
type Notifier interface {
	Send(ctx context.Context, template string, payload Payload) error
}
