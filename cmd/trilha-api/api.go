// Package main provides the Trilha API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/trilhacare/trilha/pkg/eventbus"
	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/log"
	"github.com/trilhacare/trilha/pkg/notification"
	"github.com/trilhacare/trilha/pkg/persistence"
	"github.com/trilhacare/trilha/pkg/registry"
	"github.com/trilhacare/trilha/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	notifier    notification.Notifier
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
	notifier notification.Notifier,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		registry:    reg,
		eventBus:    eventBus,
		notifier:    notifier,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	engine := execution.NewEngine(a.persistence, a.notifier, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(a.persistence, engine, a.validate, a.registry, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	// Attach a request-scoped logger; handlers pick it up via log.FromContext.
	app.Use(func(c fiber.Ctx) error {
		reqLogger := a.logger.With("method", c.Method(), "path", c.Path())
		c.SetContext(log.IntoContext(c.Context(), reqLogger))

		return c.Next()
	})

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Trilha API")
	})

	f := app.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Get("/:id", handlers.GetFlow)
	f.Put("/:id", handlers.SaveFlow)
	f.Post("/:id/executions", handlers.StartExecution)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/complete", handlers.CompleteStep)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/patients/:id/executions", handlers.GetPatientExecutions)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
