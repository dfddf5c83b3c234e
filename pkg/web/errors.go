package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/formula"
	"github.com/trilhacare/trilha/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and persistence errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	var missingNode *execution.MissingNodeError

	var missingEdge *execution.MissingEdgeError

	var evalErr *formula.EvaluationError

	switch {
	case errors.Is(err, persistence.ErrFlowNotFound):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("flow_not_found").
			WithDetail("flow not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, persistence.ErrExecutionNotFound):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("execution_not_found").
			WithDetail("execution not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, execution.ErrExecutionTerminal):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("execution_terminal").
			WithDetail("execution already finished")

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, execution.ErrExecutionParked):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("execution_delayed").
			WithDetail("execution is waiting on a scheduled delay")

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, persistence.ErrStaleExecution):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail("execution was modified concurrently, retry")

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.As(err, &evalErr):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("formula_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case errors.As(err, &missingNode), errors.As(err, &missingEdge):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("invalid_flow_graph").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
