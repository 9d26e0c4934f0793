// Package main provides the Sandflow API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/services"
	"github.com/dukex/sandflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      services.Engine
	approver    services.Approver
	triggers    services.TriggerSyncer
	publisher   eventbus.EventPublisher
	limiter     resilience.RateLimiter
	metrics     *otelhelper.Metrics
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	engine services.Engine,
	approver services.Approver,
	triggers services.TriggerSyncer,
	publisher eventbus.EventPublisher,
	limiter resilience.RateLimiter,
	metrics *otelhelper.Metrics,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		engine:      engine,
		approver:    approver,
		triggers:    triggers,
		publisher:   publisher,
		limiter:     limiter,
		metrics:     metrics,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	agentService := services.NewAgent(a.persistence, a.logger)
	workflowService := services.NewWorkflow(a.persistence, a.triggers, a.logger)
	runService := services.NewRun(a.persistence, a.engine, a.approver, a.logger)

	handlers := web.NewAPIHandlers(agentService, workflowService, runService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Sandflow API")
	})

	limit := web.RateLimit(a.limiter, a.metrics, a.logger)
	handlers.Register(app, limit)
	web.NewEventIngest(a.publisher, a.logger).Register(app, limit)

	return app
}

// Serve listens on port until ctx is done, then shuts the server down.
func (a *API) Serve(ctx context.Context, app *fiber.App, port int) error {
	go func() {
		<-ctx.Done()

		if err := app.ShutdownWithContext(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("Failed to shut down HTTP server", "error", err)
		}
	}()

	a.logger.InfoContext(ctx, "HTTP server listening", "port", port)

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}
