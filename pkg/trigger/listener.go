// Package trigger starts workflow runs from external events and cron schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var ErrInvalidEvent = errors.New("invalid external event")

// RunStarter is the single entry point that creates runs, shared by event,
// schedule and manual triggers.
type RunStarter interface {
	Start(ctx context.Context, workflow *models.Workflow, trigger models.RunTrigger, runContext map[string]any) (*models.WorkflowRun, error)
}

// Listener turns external events and cron ticks into workflow runs. Delivery
// may repeat: a second run for the same (workflow, event id) is refused by
// storage and the duplicate is dropped.
type Listener struct {
	workflows persistence.WorkflowRepository
	starter   RunStarter
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	cron     *cron.Cron
	mu       sync.Mutex
	schedule map[string]scheduleEntry
}

type scheduleEntry struct {
	spec string
	id   cron.EntryID
}

type Option func(*Listener)

func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		l.now = now
	}
}

func NewListener(workflows persistence.WorkflowRepository, starter RunStarter, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("module", "trigger_listener")
	clog := cronLogger{logger: logger}

	l := &Listener{
		workflows: workflows,
		starter:   starter,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithLogger(clog),
			cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)),
		),
		schedule: make(map[string]scheduleEntry),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Register subscribes the listener to external events on bus.
func (l *Listener) Register(bus eventbus.EventSubscriber) error {
	return bus.Handle(events.ExternalEventReceived, func(ctx context.Context, event any) error {
		external, ok := event.(*events.ExternalEvent)
		if !ok {
			return fmt.Errorf("%w: unexpected payload %T", ErrInvalidEvent, event)
		}

		_, err := l.HandleEvent(ctx, *external)
		if errors.Is(err, ErrInvalidEvent) {
			// Redelivery cannot fix a malformed event.
			return nil
		}

		return err
	})
}

// HandleEvent starts a run for every ACTIVE EVENT workflow whose pattern
// matches the event subject. It returns the runs it created; an error means
// at least one matching workflow should be retried.
func (l *Listener) HandleEvent(ctx context.Context, event events.ExternalEvent) ([]*models.WorkflowRun, error) {
	if err := l.validate.Struct(event); err != nil {
		l.logger.WarnContext(ctx, "Dropping invalid external event", "event_id", event.ID, "error", err)

		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	workflows, err := l.activeWorkflows(ctx, models.TriggerKindEvent)
	if err != nil {
		return nil, err
	}

	var (
		started []*models.WorkflowRun
		errs    []error
	)

	for _, workflow := range workflows {
		if !Match(workflow.Trigger.Pattern, event.Subject) {
			continue
		}

		run, err := l.starter.Start(ctx, workflow, models.RunTrigger{Kind: models.TriggerKindEvent, EventID: event.ID},
			maps.Clone(event.Payload))

		switch {
		case errors.Is(err, persistence.ErrDuplicateRun):
			l.logger.InfoContext(ctx, "Ignoring duplicate event delivery",
				"workflow_id", workflow.ID, "event_id", event.ID)
		case err != nil:
			l.logger.ErrorContext(ctx, "Failed to start run for event",
				"workflow_id", workflow.ID, "event_id", event.ID, "error", err)
			errs = append(errs, fmt.Errorf("workflow %s: %w", workflow.ID, err))
		default:
			started = append(started, run)
		}
	}

	l.logger.DebugContext(ctx, "External event handled",
		"event_id", event.ID, "subject", event.Subject, "runs_started", len(started))

	return started, errors.Join(errs...)
}

// Sync reconciles cron entries with the ACTIVE SCHEDULE workflows in storage.
func (l *Listener) Sync(ctx context.Context) error {
	workflows, err := l.activeWorkflows(ctx, models.TriggerKindSchedule)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	wanted := make(map[string]string, len(workflows))
	for _, workflow := range workflows {
		wanted[workflow.ID] = workflow.Trigger.Schedule
	}

	for workflowID, entry := range l.schedule {
		if spec, ok := wanted[workflowID]; !ok || spec != entry.spec {
			l.cron.Remove(entry.id)
			delete(l.schedule, workflowID)
		}
	}

	var errs []error

	for workflowID, spec := range wanted {
		if _, ok := l.schedule[workflowID]; ok {
			continue
		}

		id, err := l.cron.AddFunc(spec, func() {
			_, _ = l.RunScheduled(context.Background(), workflowID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule workflow %s: %w", workflowID, err))

			continue
		}

		l.schedule[workflowID] = scheduleEntry{spec: spec, id: id}
	}

	l.logger.InfoContext(ctx, "Schedules synced", "count", len(l.schedule))

	return errors.Join(errs...)
}

// Scheduled returns the cron spec of every scheduled workflow.
func (l *Listener) Scheduled() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]string, len(l.schedule))
	for workflowID, entry := range l.schedule {
		out[workflowID] = entry.spec
	}

	return out
}

// RunScheduled starts the scheduled run of workflowID for the current
// minute. The minute is the run's event id, so replicas sharing storage
// start it once.
func (l *Listener) RunScheduled(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	workflow, err := l.workflows.GetByID(ctx, workflowID)
	if err != nil {
		l.logger.ErrorContext(ctx, "Scheduled workflow not loadable", "workflow_id", workflowID, "error", err)

		return nil, err
	}

	if !workflow.IsActive() || workflow.Trigger.Kind != models.TriggerKindSchedule {
		return nil, nil
	}

	scheduledAt := l.now().Truncate(time.Minute)

	run, err := l.starter.Start(ctx, workflow,
		models.RunTrigger{Kind: models.TriggerKindSchedule, EventID: "schedule:" + scheduledAt.Format(time.RFC3339)},
		map[string]any{"scheduled_at": scheduledAt.Format(time.RFC3339)})
	if errors.Is(err, persistence.ErrDuplicateRun) {
		l.logger.DebugContext(ctx, "Scheduled run already started", "workflow_id", workflowID)

		return nil, nil
	}

	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to start scheduled run", "workflow_id", workflowID, "error", err)

		return nil, err
	}

	return run, nil
}

// Start runs the cron scheduler in the background.
func (l *Listener) Start() {
	l.cron.Start()
}

// Stop stops the cron scheduler and returns a context that is done once
// running jobs have finished.
func (l *Listener) Stop() context.Context {
	return l.cron.Stop()
}

func (l *Listener) activeWorkflows(ctx context.Context, kind models.TriggerKind) ([]*models.Workflow, error) {
	active := models.WorkflowStatusActive
	opts := persistence.ListWorkflowsOptions{Status: &active, TriggerKind: kind, Limit: 100}

	var workflows []*models.Workflow

	for {
		page, err := l.workflows.ListWorkflows(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list %s workflows: %w", kind, err)
		}

		workflows = append(workflows, page.Workflows...)

		if !page.HasNextPage || len(page.Workflows) == 0 {
			return workflows, nil
		}

		opts.Offset += len(page.Workflows)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append(keysAndValues, "error", err)...)
}
