// Package scheduler drives workflow runs through their DAG: it claims ready
// nodes, gates the ones that need approval, dispatches the rest to the
// executor and finalises the run once every node has settled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs one node against its agent.
type Executor interface {
	Execute(ctx context.Context, agent *models.Agent, action string, input map[string]any, timeout time.Duration) (map[string]any, error)
}

// Scheduler is safe for concurrent use. Any number of goroutines may tick the
// same run; storage compare-and-swap guarantees each node is claimed once.
type Scheduler struct {
	persistence persistence.Persistence
	executor    Executor
	publisher   eventbus.EventPublisher
	metrics     *otelhelper.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]inflightCall
	spans    map[string]trace.Span
	wg       sync.WaitGroup
}

type inflightCall struct {
	runID  string
	cancel context.CancelFunc
}

type Option func(*Scheduler)

// WithPublisher publishes run lifecycle events.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

func WithMetrics(metrics *otelhelper.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(p persistence.Persistence, executor Executor, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		persistence: p,
		executor:    executor,
		logger:      logger.With("module", "scheduler"),
		tracer:      otelhelper.Tracer("sandflow.scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
		inflight:    make(map[string]inflightCall),
		spans:       make(map[string]trace.Span),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start creates a run with one PENDING agent run per node and ticks it once.
// An EVENT trigger that was already used for this workflow fails with
// persistence.ErrDuplicateRun and creates nothing.
func (s *Scheduler) Start(
	ctx context.Context,
	workflow *models.Workflow,
	trigger models.RunTrigger,
	runContext map[string]any,
) (*models.WorkflowRun, error) {
	if !workflow.IsActive() {
		return nil, ErrWorkflowInactive
	}

	if runContext == nil {
		runContext = map[string]any{}
	}

	run := &models.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		Trigger:    trigger,
		Context:    runContext,
		Status:     models.RunStatusPending,
		CreatedAt:  s.now(),
	}

	agentRuns := make([]*models.AgentRun, 0, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		agentRuns = append(agentRuns, &models.AgentRun{
			ID:            uuid.NewString(),
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			AgentID:       node.AgentID,
			Status:        models.AgentRunStatusPending,
		})
	}

	if err := s.persistence.RunRepository().CreateRun(ctx, run, agentRuns); err != nil {
		return nil, err
	}

	_, span := otelhelper.StartSpan(context.WithoutCancel(ctx), s.tracer, "workflow_run",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.TriggerKindKey, string(trigger.Kind)),
		attribute.String(otelhelper.EventIDKey, trigger.EventID),
	)

	s.mu.Lock()
	s.spans[run.ID] = span
	s.mu.Unlock()

	s.metrics.RunStarted(ctx, workflow.ID)
	s.publish(ctx, events.RunSubject(workflow.ID, "started"), events.NewRunStarted(run))

	s.logger.InfoContext(ctx, "Run created",
		"workflow_id", workflow.ID, "run_id", run.ID, "trigger_kind", trigger.Kind, "event_id", trigger.EventID)

	if err := s.Tick(ctx, run.ID); err != nil {
		s.logger.ErrorContext(ctx, "Initial tick failed; run will be picked up on resume",
			"run_id", run.ID, "error", err)
	}

	return run, nil
}

// Tick applies Reconcile plans to the run until nothing changes. A plan step
// lost to a concurrent tick is not an error: the winner keeps driving the run.
func (s *Scheduler) Tick(ctx context.Context, runID string) error {
	runs := s.persistence.RunRepository()

	for {
		run, err := runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if run.Status.IsTerminal() {
			return nil
		}

		if run.Status == models.RunStatusPending {
			started := run.Clone()
			started.Status = models.RunStatusRunning
			started.StartedAt = timePtr(s.now())

			if _, err := runs.CompareAndSwapRun(ctx, started, models.RunStatusPending); err != nil {
				return err
			}

			continue
		}

		workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, run.WorkflowID)
		if err != nil {
			return fmt.Errorf("load workflow of run %s: %w", runID, err)
		}

		agentRuns, err := runs.GetAgentRuns(ctx, runID)
		if err != nil {
			return err
		}

		agents, err := s.loadAgents(ctx, workflow)
		if err != nil {
			return err
		}

		plan := Reconcile(workflow, agents, run, agentRuns)
		if plan.Empty() {
			return nil
		}

		progressed, err := s.apply(ctx, workflow, agents, run, agentRuns, plan)
		if err != nil {
			return err
		}

		if !progressed {
			return nil
		}
	}
}

func (s *Scheduler) apply(
	ctx context.Context,
	workflow *models.Workflow,
	agents map[string]*models.Agent,
	run *models.WorkflowRun,
	agentRuns []*models.AgentRun,
	plan Plan,
) (bool, error) {
	runs := s.persistence.RunRepository()
	byID := make(map[string]*models.AgentRun, len(agentRuns))

	for _, agentRun := range agentRuns {
		byID[agentRun.ID] = agentRun
	}

	progressed := false
	now := s.now()

	for _, skip := range plan.Skips {
		skipped := byID[skip.AgentRunID].Clone()
		skipped.Status = models.AgentRunStatusSkipped
		skipped.ErrorCode = models.ErrorCodeUpstreamFailed
		skipped.Error = fmt.Sprintf("dependency %s did not succeed", skip.Cause)
		skipped.FinishedAt = timePtr(now)

		swapped, err := runs.CompareAndSwapAgentRun(ctx, skipped, models.AgentRunStatusPending)
		if err != nil {
			return progressed, err
		}

		if swapped {
			progressed = true

			s.logger.InfoContext(ctx, "Node skipped",
				"run_id", run.ID, "node_id", skip.NodeID, "cause", skip.Cause)
		}
	}

	for _, claim := range plan.Claims {
		claimed := byID[claim.AgentRunID].Clone()
		claimed.Status = claim.Target

		if claim.Target == models.AgentRunStatusAwaitingApproval {
			claimed.GatedAt = timePtr(now)
		} else {
			claimed.StartedAt = timePtr(now)
		}

		swapped, err := runs.CompareAndSwapAgentRun(ctx, claimed, models.AgentRunStatusPending)
		if err != nil {
			return progressed, err
		}

		if !swapped {
			continue
		}

		progressed = true

		if claim.Target == models.AgentRunStatusAwaitingApproval {
			s.logger.InfoContext(ctx, "Node awaiting approval",
				"run_id", run.ID, "node_id", claim.NodeID, "agent_run_id", claimed.ID)

			event := events.NewAgentRunApproval(events.AgentRunAwaitingApprovalEvent, workflow.ID, claimed)
			s.publish(ctx, event.Subject(), event)

			continue
		}

		node := workflow.NodeByID(claim.NodeID)
		s.dispatch(ctx, run, node, agents[node.AgentID], claimed, agentRuns)
	}

	if plan.Final != nil {
		finished := run.Clone()
		finished.Status = *plan.Final
		finished.FinishedAt = timePtr(now)
		finished.Error = failureSummary(agentRuns)

		swapped, err := runs.CompareAndSwapRun(ctx, finished, models.RunStatusRunning)
		if err != nil {
			return progressed, err
		}

		if swapped {
			s.finish(ctx, finished)
		}
	}

	return progressed, nil
}

// dispatch executes a claimed node on its own goroutine. The call outlives
// ctx; it ends when the node finishes or the run is cancelled.
func (s *Scheduler) dispatch(
	ctx context.Context,
	run *models.WorkflowRun,
	node *models.Node,
	agent *models.Agent,
	agentRun *models.AgentRun,
	snapshot []*models.AgentRun,
) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.inflight[agentRun.ID] = inflightCall{runID: run.ID, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, agentRun.ID)
			s.mu.Unlock()
			cancel()
		}()

		s.execute(execCtx, run, node, agent, agentRun, snapshot)

		tickCtx := context.WithoutCancel(ctx)
		if err := s.Tick(tickCtx, run.ID); err != nil {
			s.logger.ErrorContext(tickCtx, "Tick after node completion failed",
				"run_id", run.ID, "node_id", node.ID, "error", err)
		}
	}()
}

func (s *Scheduler) execute(
	ctx context.Context,
	run *models.WorkflowRun,
	node *models.Node,
	agent *models.Agent,
	agentRun *models.AgentRun,
	snapshot []*models.AgentRun,
) {
	runs := s.persistence.RunRepository()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "agent_run",
		attribute.String(otelhelper.WorkflowIDKey, run.WorkflowID),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.AgentIDKey, node.AgentID),
		attribute.String(otelhelper.AgentRunIDKey, agentRun.ID),
		attribute.String(otelhelper.ActionKey, node.Action),
	)
	defer span.End()

	logger := s.logger.With("run_id", run.ID, "node_id", node.ID, "agent_id", node.AgentID)

	input, err := resolveInput(node, run, snapshot)
	if err != nil {
		s.complete(ctx, logger, span, agentRun, nil, err)

		return
	}

	// Recording the input doubles as a liveness check: a run cancelled since
	// the claim has already moved this agent run to SKIPPED.
	resolved := agentRun.Clone()
	resolved.ResolvedInput = input

	swapped, err := runs.CompareAndSwapAgentRun(ctx, resolved, models.AgentRunStatusRunning)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record resolved input", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	if !swapped {
		logger.InfoContext(ctx, "Node no longer running; not dispatching")

		return
	}

	if agent == nil {
		s.complete(ctx, logger, span, resolved, nil, fmt.Errorf("%w: %s", persistence.ErrAgentNotFound, node.AgentID))

		return
	}

	logger.InfoContext(ctx, "Dispatching node", "action", node.Action)

	output, err := s.executor.Execute(ctx, agent, node.Action, input, node.Timeout())
	s.complete(ctx, logger, span, resolved, output, err)
}

// complete moves a RUNNING agent run to its terminal status. Losing the swap
// means the run was cancelled meanwhile.
func (s *Scheduler) complete(
	ctx context.Context,
	logger *slog.Logger,
	span trace.Span,
	agentRun *models.AgentRun,
	output map[string]any,
	execErr error,
) {
	finished := agentRun.Clone()
	finished.FinishedAt = timePtr(s.now())

	if execErr == nil {
		finished.Status = models.AgentRunStatusSuccess
		finished.Output = output
	} else {
		finished.Status = models.AgentRunStatusFailed
		finished.Error = execErr.Error()
		finished.ErrorCode = errorCode(execErr)

		otelhelper.SetError(span, execErr, attribute.String(otelhelper.ErrorCodeKey, finished.ErrorCode))
	}

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(finished.Status)))

	ctx = context.WithoutCancel(ctx)

	swapped, err := s.persistence.RunRepository().CompareAndSwapAgentRun(ctx, finished, models.AgentRunStatusRunning)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record node result", "error", err)

		return
	}

	if !swapped {
		logger.InfoContext(ctx, "Node result discarded; run was cancelled", "status", finished.Status)

		return
	}

	if execErr != nil {
		logger.WarnContext(ctx, "Node failed", "error_code", finished.ErrorCode, "error", execErr)
	} else {
		logger.InfoContext(ctx, "Node succeeded")
	}
}

// Cancel finishes a non-terminal run as CANCELLED, skips every node that has
// not finished and cancels in-flight executions.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	runs := s.persistence.RunRepository()

	var cancelled *models.WorkflowRun

	for cancelled == nil {
		run, err := runs.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}

		if run.Status.IsTerminal() {
			return nil, ErrRunTerminal
		}

		next := run.Clone()
		next.Status = models.RunStatusCancelled
		next.Error = "run cancelled"
		next.FinishedAt = timePtr(s.now())

		swapped, err := runs.CompareAndSwapRun(ctx, next, run.Status)
		if err != nil {
			return nil, err
		}

		if swapped {
			cancelled = next
		}
	}

	if err := s.skipUnfinished(ctx, runID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, call := range s.inflight {
		if call.runID == runID {
			call.cancel()
		}
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Run cancelled", "workflow_id", cancelled.WorkflowID, "run_id", runID)
	s.finish(ctx, cancelled)

	return cancelled, nil
}

func (s *Scheduler) skipUnfinished(ctx context.Context, runID string) error {
	runs := s.persistence.RunRepository()

	for {
		agentRuns, err := runs.GetAgentRuns(ctx, runID)
		if err != nil {
			return err
		}

		pending := false

		for _, agentRun := range agentRuns {
			if agentRun.Status.IsTerminal() {
				continue
			}

			pending = true

			skipped := agentRun.Clone()
			skipped.Status = models.AgentRunStatusSkipped
			skipped.ErrorCode = models.ErrorCodeCancelled
			skipped.Error = "run cancelled"
			skipped.FinishedAt = timePtr(s.now())

			if _, err := runs.CompareAndSwapAgentRun(ctx, skipped, agentRun.Status); err != nil {
				return err
			}
		}

		if !pending {
			return nil
		}
	}
}

// Resume picks up runs left unfinished by a previous process. Nodes found
// RUNNING without a local execution cannot be re-attached to the sandbox and
// are failed as orphaned. Resume assumes this process is the only scheduler
// driving these runs.
func (s *Scheduler) Resume(ctx context.Context) error {
	runs := s.persistence.RunRepository()

	open, err := runs.ListRuns(ctx, persistence.ListRunsOptions{
		Statuses: []models.RunStatus{models.RunStatusPending, models.RunStatusRunning},
	})
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}

	var errs []error

	for _, run := range open {
		s.adopt(ctx, run)

		if err := s.failOrphans(ctx, run.ID); err != nil {
			errs = append(errs, err)

			continue
		}

		if err := s.Tick(ctx, run.ID); err != nil {
			errs = append(errs, fmt.Errorf("resume run %s: %w", run.ID, err))
		}
	}

	s.logger.InfoContext(ctx, "Resumed unfinished runs", "count", len(open))

	return errors.Join(errs...)
}

// adopt gives a run created by another process a span and a place in the
// active-run gauge, so that finish can close both.
func (s *Scheduler) adopt(ctx context.Context, run *models.WorkflowRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, owned := s.spans[run.ID]; owned {
		return
	}

	_, span := otelhelper.StartSpan(context.WithoutCancel(ctx), s.tracer, "workflow_run",
		attribute.String(otelhelper.WorkflowIDKey, run.WorkflowID),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.TriggerKindKey, string(run.Trigger.Kind)),
		attribute.String(otelhelper.EventIDKey, run.Trigger.EventID),
		attribute.Bool(otelhelper.ResumedKey, true),
	)

	s.spans[run.ID] = span
	s.metrics.RunResumed(ctx, run.WorkflowID)
}

func (s *Scheduler) failOrphans(ctx context.Context, runID string) error {
	runs := s.persistence.RunRepository()

	agentRuns, err := runs.GetAgentRuns(ctx, runID)
	if err != nil {
		return err
	}

	for _, agentRun := range agentRuns {
		if agentRun.Status != models.AgentRunStatusRunning || s.isInflight(agentRun.ID) {
			continue
		}

		orphaned := agentRun.Clone()
		orphaned.Status = models.AgentRunStatusFailed
		orphaned.ErrorCode = models.ErrorCodeOrphaned
		orphaned.Error = "execution lost when the scheduler restarted"
		orphaned.FinishedAt = timePtr(s.now())

		if _, err := runs.CompareAndSwapAgentRun(ctx, orphaned, models.AgentRunStatusRunning); err != nil {
			return err
		}

		s.logger.WarnContext(ctx, "Orphaned node failed", "run_id", runID, "node_id", agentRun.NodeID)
	}

	return nil
}

// Wait blocks until every dispatched execution has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) isInflight(agentRunID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inflight[agentRunID]

	return ok
}

// finish runs the side effects of a terminal transition. It is called by the
// single winner of the run's compare-and-swap.
func (s *Scheduler) finish(ctx context.Context, run *models.WorkflowRun) {
	s.metrics.RunFinished(ctx, run.WorkflowID, string(run.Status))

	s.mu.Lock()
	span, ok := s.spans[run.ID]
	delete(s.spans, run.ID)
	s.mu.Unlock()

	if ok {
		span.SetAttributes(attribute.String(otelhelper.StatusKey, string(run.Status)))

		if run.Status == models.RunStatusFailed {
			otelhelper.SetError(span, errors.New(run.Error))
		}

		span.End()
	}

	completed := events.NewRunCompleted(run)
	s.publish(ctx, completed.Subject(), completed)

	s.logger.InfoContext(ctx, "Run finished",
		"workflow_id", run.WorkflowID, "run_id", run.ID, "status", run.Status)
}

func (s *Scheduler) publish(ctx context.Context, subject string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(context.WithoutCancel(ctx), subject, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}

func (s *Scheduler) loadAgents(ctx context.Context, workflow *models.Workflow) (map[string]*models.Agent, error) {
	agents := make(map[string]*models.Agent, len(workflow.Nodes))

	for _, node := range workflow.Nodes {
		if _, ok := agents[node.AgentID]; ok {
			continue
		}

		agent, err := s.persistence.AgentRepository().GetByID(ctx, node.AgentID)
		if errors.Is(err, persistence.ErrAgentNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		agents[node.AgentID] = agent
	}

	return agents, nil
}

func failureSummary(agentRuns []*models.AgentRun) string {
	for _, agentRun := range agentRuns {
		switch agentRun.Status {
		case models.AgentRunStatusFailed, models.AgentRunStatusRejected:
			return fmt.Sprintf("node %s %s: %s", agentRun.NodeID, agentRun.ErrorCode, agentRun.Error)
		}
	}

	return ""
}

func timePtr(t time.Time) *time.Time {
	return &t
}
