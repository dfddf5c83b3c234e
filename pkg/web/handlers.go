// Package web provides HTTP handlers and REST API endpoints for the journey engine.
package web

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/log"
	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
	"github.com/trilhacare/trilha/pkg/registry"
)

type APIHandlers struct {
	persistence persistence.Persistence
	engine      *execution.Engine
	validator   *validator.Validate
	registry    *registry.Registry
	logger      *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	engine *execution.Engine,
	validate *validator.Validate,
	reg *registry.Registry,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		engine:      engine,
		validator:   validate,
		registry:    reg,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.persistence.Flows().ActiveFlows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]FlowSummary, 0, len(flows))
	for _, flow := range flows {
		summaries = append(summaries, TransformFlowSummary(flow))
	}

	return c.JSON(fiber.Map{
		"flows": summaries,
		"count": len(summaries),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persistence.Flows().FlowByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(flow)
}

// SaveFlow stores a flow definition. Authoring happens elsewhere; this
// endpoint exists for seeding and tooling, so it validates the full graph
// and every node payload before accepting.
func (h *APIHandlers) SaveFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var flow models.FlowDefinition
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid JSON payload: "+err.Error())
	}

	flow.ID = id

	if err := h.validator.Struct(&flow); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.registry.ValidateFlow(&flow); err != nil {
		return badRequest(c, err.Error())
	}

	flow.UpdatedAt = time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = flow.UpdatedAt
	}

	if err := h.persistence.Flows().SaveFlow(c.Context(), &flow); err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Flow saved", "flow_id", flow.ID, "nodes", len(flow.Nodes))

	return c.Status(fiber.StatusOK).JSON(&flow)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	flowID := c.Params("id")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON payload: "+err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.persistence.Flows().FlowByID(c.Context(), flowID)
	if err != nil {
		return handleEngineError(c, err)
	}

	exec, err := h.engine.StartExecution(c.Context(), flow, req.PatientID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(exec)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	exec, err := h.persistence.Executions().ExecutionByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) GetPatientExecutions(c fiber.Ctx) error {
	patientID := c.Params("id")
	if patientID == "" {
		return badRequest(c, "Patient ID is required")
	}

	executions, err := h.persistence.Executions().ExecutionsByPatient(c.Context(), patientID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *APIHandlers) CompleteStep(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req CompleteStepRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON payload: "+err.Error())
		}
	}

	exec, err := h.persistence.Executions().ExecutionByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	flow, err := h.persistence.Flows().FlowByID(c.Context(), exec.FlowID)
	if err != nil {
		return handleEngineError(c, err)
	}

	updated, err := h.engine.CompleteStep(c.Context(), flow, exec, req.Response)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	exec, err := h.persistence.Executions().ExecutionByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	updated, err := h.engine.CancelExecution(c.Context(), exec)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		log.FromContext(c.Context()).Error("Health check failed", "error", err)

		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
