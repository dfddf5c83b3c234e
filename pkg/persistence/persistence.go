// Package persistence provides the storage abstraction the execution engine
// reads flows from and writes execution state to.
package persistence

import (
	"context"
	"time"

	"github.com/trilhacare/trilha/pkg/models"
)

// Persistence bundles the repositories a deployment provides.
type Persistence interface {
	Flows() FlowRepository
	Executions() ExecutionRepository
	DelayTasks() DelayTaskRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository reads flow definitions. The engine never writes them; Save
// exists for seeding and tooling.
type FlowRepository interface {
	FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error)
	ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error)
	SaveFlow(ctx context.Context, flow *models.FlowDefinition) error
}

// ExecutionRepository stores per-patient execution records.
//
// UpdateExecution is conditional: previousNode is the current_node value the
// caller read before computing the transition. An implementation must reject
// the write with ErrStaleExecution when the stored record has moved on, so
// that two in-flight advances can never be applied out of order.
type ExecutionRepository interface {
	ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error)
	ExecutionsByPatient(ctx context.Context, patientID string) ([]*models.FlowExecution, error)
	CreateExecution(ctx context.Context, execution *models.FlowExecution) error
	UpdateExecution(ctx context.Context, execution *models.FlowExecution, previousNode string) error
}

// DelayTaskRepository parks executions across multi-hour waits.
//
// Claim is the scheduler's exclusivity primitive: it atomically flips the
// task's processed flag false to true and reports whether this caller won.
// Two concurrent scheduler runs over the same task must see exactly one
// successful claim between them.
type DelayTaskRepository interface {
	Schedule(ctx context.Context, task *models.DelayTask) error
	TaskByExecution(ctx context.Context, executionID string) (*models.DelayTask, error)
	Due(ctx context.Context, now time.Time) ([]*models.DelayTask, error)
	Claim(ctx context.Context, executionID string) (bool, error)
	Invalidate(ctx context.Context, executionID string) error
}
