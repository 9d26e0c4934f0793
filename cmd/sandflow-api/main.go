package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/sandflow/pkg/approval"
	"github.com/dukex/sandflow/pkg/cmd"
	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/log"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/sandbox"
	"github.com/dukex/sandflow/pkg/scheduler"
	"github.com/dukex/sandflow/pkg/trigger"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPort       = 9091
	approvalSweepSpec = "@every 30s"
)

func main() {
	command := &cli.Command{
		Name:                  "sandflow-api",
		Usage:                 "Run agent workflows and serve the control API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:     "sandbox-url",
				Usage:    "Base URL of the sandbox execution service",
				Required: true,
				Sources:  cli.EnvVars("SANDBOX_URL"),
			},
			&cli.DurationFlag{
				Name:    "execution-timeout",
				Usage:   "Default timeout of one agent execution",
				Value:   models.DefaultNodeTimeout,
				Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "breaker-threshold",
				Usage:   "Sandbox failures within the window that open the circuit",
				Value:   resilience.DefaultBreakerConfig().FailureThreshold,
				Sources: cli.EnvVars("BREAKER_THRESHOLD"),
			},
			&cli.DurationFlag{
				Name:    "breaker-reset-timeout",
				Usage:   "How long the circuit stays open before a trial call",
				Value:   resilience.DefaultBreakerConfig().ResetTimeout,
				Sources: cli.EnvVars("BREAKER_RESET_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "breaker-window",
				Usage:   "Sliding window in which sandbox failures are counted",
				Value:   resilience.DefaultBreakerConfig().Window,
				Sources: cli.EnvVars("BREAKER_WINDOW"),
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Usage:   "Mutating requests allowed per client in each window",
				Value:   resilience.DefaultRateLimit,
				Sources: cli.EnvVars("RATE_LIMIT"),
			},
			&cli.DurationFlag{
				Name:    "rate-limit-window",
				Usage:   "Rate limit window",
				Value:   resilience.DefaultRateWindow,
				Sources: cli.EnvVars("RATE_LIMIT_WINDOW"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared rate limit windows; in-memory when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "approval-timeout",
				Usage:   "Reject gated agent runs waiting longer than this; 0 waits forever",
				Sources: cli.EnvVars("APPROVAL_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces and metrics over OTLP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("api")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing Sandflow API")

	if command.Bool("otel-enabled") {
		providers, err := otelhelper.Setup(ctx, "sandflow-api")
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}

		defer func() {
			if err := providers.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shut down telemetry", "error", err)
			}
		}()
	}

	metrics, err := otelhelper.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	limiter, closeLimiter, err := cmd.NewRateLimiter(ctx, logger, command.String("redis-url"), resilience.LimiterConfig{
		Limit:  int(command.Int("rate-limit")),
		Window: command.Duration("rate-limit-window"),
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := closeLimiter(); err != nil {
			logger.ErrorContext(ctx, "Failed to close rate limiter", "error", err)
		}
	}()

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: int(command.Int("breaker-threshold")),
		ResetTimeout:     command.Duration("breaker-reset-timeout"),
		Window:           command.Duration("breaker-window"),
	}, logger, resilience.WithStateChange(func(from, to resilience.State) {
		metrics.BreakerTransition(context.Background(), from.String(), to.String())
	}))

	runner := sandbox.NewHTTPRunner(command.String("sandbox-url"), &http.Client{}, logger)
	exec := executor.New(runner, breaker, logger,
		executor.WithMetrics(metrics),
		executor.WithDefaultTimeout(command.Duration("execution-timeout")))

	sched := scheduler.New(persistence, exec, logger,
		scheduler.WithPublisher(eventBus),
		scheduler.WithMetrics(metrics),
		scheduler.WithTracer(otelhelper.Tracer("sandflow/scheduler")))

	gate := approval.NewGate(persistence.RunRepository(), sched, logger,
		approval.WithPublisher(eventBus),
		approval.WithTimeout(command.Duration("approval-timeout")))

	listener := trigger.NewListener(persistence.WorkflowRepository(), sched, logger)

	if err := listener.Register(eventBus); err != nil {
		return fmt.Errorf("failed to register trigger listener: %w", err)
	}

	if err := listener.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	if err := sched.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	listener.Start()

	api := NewAPI(logger, persistence, sched, gate, listener, eventBus, limiter, metrics)
	app := api.App()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Serve(gctx, app, int(command.Int("port")))
	})

	if command.Duration("approval-timeout") > 0 {
		g.Go(func() error {
			return sweepApprovals(gctx, gate, logger)
		})
	}

	err = g.Wait()

	<-listener.Stop().Done()
	sched.Wait()

	logger.InfoContext(ctx, "Sandflow API stopped")

	return err
}

// sweepApprovals rejects gated agent runs that outlived the approval timeout
// until ctx is done.
func sweepApprovals(ctx context.Context, gate *approval.Gate, logger *slog.Logger) error {
	sweeper := cron.New()

	_, err := sweeper.AddFunc(approvalSweepSpec, func() {
		expired, err := gate.ExpireStale(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to expire stale approvals", "error", err)

			return
		}

		if expired > 0 {
			logger.InfoContext(ctx, "Expired stale approvals", "count", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule approval sweep: %w", err)
	}

	sweeper.Start()
	<-ctx.Done()
	<-sweeper.Stop().Done()

	return nil
}
