package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/mocks"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/persistence/file"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/sandbox"
	"github.com/dukex/sandflow/pkg/scheduler"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"
)

// recorder counts sandbox calls per node. Nodes identify themselves through
// the "node" key of their input.
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	inputs map[string]map[string]any
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, inputs: map[string]map[string]any{}}
}

func (r *recorder) record(req sandbox.Request) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, _ := req.Input["node"].(string)
	r.calls[node]++
	r.inputs[node] = req.Input

	return node
}

func (r *recorder) count(node string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[node]
}

type harness struct {
	store persistence.Persistence
	sched *scheduler.Scheduler
	agent *models.Agent
}

func newHarness(t testing.TB, dir string, runner sandbox.FuncRunner, opts ...scheduler.Option) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(dir)
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: 1000,
		ResetTimeout:     time.Second,
		Window:           time.Minute,
	}, logger)

	agent := testutil.CreateTestAgent()
	require.NoError(t, store.AgentRepository().Save(context.Background(), agent))

	return &harness{
		store: store,
		sched: scheduler.New(store, executor.New(runner, breaker, logger), logger, opts...),
		agent: agent,
	}
}

func (h *harness) node(id string, dependsOn ...string) *models.Node {
	return testutil.WithInputTemplate(testutil.CreateTestNode(id, h.agent.ID, dependsOn...), map[string]any{"node": id})
}

func (h *harness) saveWorkflow(t testing.TB, nodes ...*models.Node) *models.Workflow {
	t.Helper()

	workflow := testutil.CreateTestWorkflow(nodes)
	require.NoError(t, h.store.WorkflowRepository().Save(context.Background(), workflow))

	return workflow
}

func (h *harness) agentRuns(t testing.TB, runID string) map[string]*models.AgentRun {
	t.Helper()

	agentRuns, err := h.store.RunRepository().GetAgentRuns(context.Background(), runID)
	require.NoError(t, err)

	byNode := make(map[string]*models.AgentRun, len(agentRuns))
	for _, agentRun := range agentRuns {
		byNode[agentRun.NodeID] = agentRun
	}

	return byNode
}

func (h *harness) run(t testing.TB, runID string) *models.WorkflowRun {
	t.Helper()

	run, err := h.store.RunRepository().GetRun(context.Background(), runID)
	require.NoError(t, err)

	return run
}

func TestScheduler_ScanThenNotify(t *testing.T) {
	rec := newRecorder()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.MatchedBy(func(subject string) bool {
		return subject != ""
	}), mock.Anything).Return(nil)

	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		if rec.record(req) == "scan" {
			return sandbox.Result{Output: map[string]any{
				"summary": map[string]any{"total": 3},
				"issues":  []any{"a", "b", "c"},
			}}, nil
		}

		return sandbox.Result{Output: map[string]any{"sent": true}}, nil
	}, scheduler.WithPublisher(bus))

	workflow := h.saveWorkflow(t,
		testutil.WithInputTemplate(testutil.CreateTestNode("scan", h.agent.ID), map[string]any{
			"node": "scan",
			"path": "{{context.repositoryPath}}",
		}),
		testutil.WithInputTemplate(testutil.CreateTestNode("notify", h.agent.ID, "scan"), map[string]any{
			"node":    "notify",
			"message": "found {{scan.output.summary.total}} issues",
			"count":   "{{scan.output.summary.total}}",
		}),
	)

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual},
		map[string]any{"repositoryPath": "/src/app"})
	require.NoError(t, err)

	h.sched.Wait()

	finished := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusSuccess, finished.Status)
	assert.NotNil(t, finished.StartedAt)
	assert.NotNil(t, finished.FinishedAt)

	assert.Equal(t, "/src/app", rec.inputs["scan"]["path"])
	assert.Equal(t, "found 3 issues", rec.inputs["notify"]["message"])
	assert.EqualValues(t, 3, rec.inputs["notify"]["count"])

	agentRuns := h.agentRuns(t, run.ID)
	assert.Equal(t, "found 3 issues", agentRuns["notify"].ResolvedInput["message"])
	assert.Equal(t, true, agentRuns["notify"].Output["sent"])

	scan, notify := agentRuns["scan"], agentRuns["notify"]
	require.NotNil(t, scan.FinishedAt)
	require.NotNil(t, notify.StartedAt)
	assert.False(t, notify.StartedAt.Before(*scan.FinishedAt),
		"notify started at %s before scan finished at %s", notify.StartedAt, scan.FinishedAt)

	bus.AssertCalled(t, "Publish", mock.Anything, events.RunSubject(workflow.ID, events.OutcomeSuccess), mock.Anything)
	bus.AssertNotCalled(t, "Publish", mock.Anything, events.RunSubject(workflow.ID, events.OutcomeFailed), mock.Anything)
}

func TestScheduler_FailureSkipsDependents(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		if rec.record(req) == "build" {
			return sandbox.Result{ExitStatus: 2, Message: "compile error"}, nil
		}

		return sandbox.Result{}, nil
	})

	workflow := h.saveWorkflow(t,
		h.node("build"),
		h.node("test", "build"),
		h.node("deploy", "test"),
		h.node("docs"),
	)

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	h.sched.Wait()

	finished := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "build")

	agentRuns := h.agentRuns(t, run.ID)
	assert.Equal(t, models.AgentRunStatusFailed, agentRuns["build"].Status)
	assert.Equal(t, models.ErrorCodeExecution, agentRuns["build"].ErrorCode)
	assert.Contains(t, agentRuns["build"].Error, "compile error")
	assert.Equal(t, models.AgentRunStatusSkipped, agentRuns["test"].Status)
	assert.Equal(t, models.AgentRunStatusSkipped, agentRuns["deploy"].Status)
	assert.Equal(t, models.ErrorCodeUpstreamFailed, agentRuns["deploy"].ErrorCode)
	assert.Equal(t, models.AgentRunStatusSuccess, agentRuns["docs"].Status)

	assert.Zero(t, rec.count("test"))
	assert.Zero(t, rec.count("deploy"))
}

func TestScheduler_TemplateResolutionFailure(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		rec.record(req)

		return sandbox.Result{Output: map[string]any{"total": 1}}, nil
	})

	workflow := h.saveWorkflow(t,
		h.node("scan"),
		testutil.WithInputTemplate(testutil.CreateTestNode("notify", h.agent.ID, "scan"), map[string]any{
			"node":    "notify",
			"message": "{{scan.output.missing}}",
		}),
	)

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	h.sched.Wait()

	assert.Equal(t, models.RunStatusFailed, h.run(t, run.ID).Status)

	notify := h.agentRuns(t, run.ID)["notify"]
	assert.Equal(t, models.AgentRunStatusFailed, notify.Status)
	assert.Equal(t, models.ErrorCodeTemplateResolution, notify.ErrorCode)
	assert.Zero(t, rec.count("notify"))
}

func TestScheduler_Timeout(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(ctx context.Context, _ sandbox.Request) (sandbox.Result, error) {
		<-ctx.Done()

		return sandbox.Result{}, ctx.Err()
	})

	slow := h.node("slow")
	slow.TimeoutSeconds = 1
	workflow := h.saveWorkflow(t, slow)

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	h.sched.Wait()

	assert.Equal(t, models.RunStatusFailed, h.run(t, run.ID).Status)
	assert.Equal(t, models.ErrorCodeTimeout, h.agentRuns(t, run.ID)["slow"].ErrorCode)
}

func TestScheduler_ApprovalGate(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		rec.record(req)

		return sandbox.Result{}, nil
	})

	gated := h.node("deploy")
	required := true
	gated.ApprovalRequired = &required
	workflow := h.saveWorkflow(t, gated)

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	h.sched.Wait()

	deploy := h.agentRuns(t, run.ID)["deploy"]
	assert.Equal(t, models.AgentRunStatusAwaitingApproval, deploy.Status)
	assert.NotNil(t, deploy.GatedAt)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
	assert.Zero(t, rec.count("deploy"))

	approved := deploy.Clone()
	approved.Status = models.AgentRunStatusPending
	approved.Approved = true
	approved.ApprovedBy = "alice"

	swapped, err := h.store.RunRepository().CompareAndSwapAgentRun(t.Context(), approved, models.AgentRunStatusAwaitingApproval)
	require.NoError(t, err)
	require.True(t, swapped)

	require.NoError(t, h.sched.Tick(t.Context(), run.ID))
	h.sched.Wait()

	assert.Equal(t, 1, rec.count("deploy"))
	assert.Equal(t, models.RunStatusSuccess, h.run(t, run.ID).Status)
	assert.Equal(t, "alice", h.agentRuns(t, run.ID)["deploy"].ApprovedBy)
}

func TestScheduler_Cancel(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan error, 1)

	h := newHarness(t, t.TempDir(), func(ctx context.Context, _ sandbox.Request) (sandbox.Result, error) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()

		return sandbox.Result{}, ctx.Err()
	})

	workflow := h.saveWorkflow(t, h.node("long"), h.node("after", "long"))

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	<-started

	cancelled, err := h.sched.Cancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	h.sched.Wait()

	assert.ErrorIs(t, <-observed, context.Canceled)
	assert.Equal(t, models.RunStatusCancelled, h.run(t, run.ID).Status)

	for node, agentRun := range h.agentRuns(t, run.ID) {
		assert.Equal(t, models.AgentRunStatusSkipped, agentRun.Status, node)
		assert.Equal(t, models.ErrorCodeCancelled, agentRun.ErrorCode, node)
	}

	_, err = h.sched.Cancel(t.Context(), run.ID)
	assert.ErrorIs(t, err, scheduler.ErrRunTerminal)
}

func TestScheduler_Resume(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		rec.record(req)

		return sandbox.Result{}, nil
	})

	workflow := h.saveWorkflow(t, h.node("lost"), h.node("after", "lost"), h.node("fresh"))

	run, agentRuns := testutil.CreateTestRun(workflow)
	run.Status = models.RunStatusRunning
	agentRuns[0].Status = models.AgentRunStatusRunning
	require.NoError(t, h.store.RunRepository().CreateRun(t.Context(), run, agentRuns))

	require.NoError(t, h.sched.Resume(t.Context()))
	h.sched.Wait()

	byNode := h.agentRuns(t, run.ID)
	assert.Equal(t, models.AgentRunStatusFailed, byNode["lost"].Status)
	assert.Equal(t, models.ErrorCodeOrphaned, byNode["lost"].ErrorCode)
	assert.Equal(t, models.AgentRunStatusSkipped, byNode["after"].Status)
	assert.Equal(t, models.AgentRunStatusSuccess, byNode["fresh"].Status)
	assert.Equal(t, models.RunStatusFailed, h.run(t, run.ID).Status)
	assert.Zero(t, rec.count("lost"))
}

func TestScheduler_ResumeBalancesActiveRuns(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := otelhelper.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	h := newHarness(t, t.TempDir(), func(context.Context, sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, nil
	}, scheduler.WithMetrics(metrics), scheduler.WithTracer(tracer))

	workflow := h.saveWorkflow(t, h.node("only"))

	run, agentRuns := testutil.CreateTestRun(workflow)
	run.Status = models.RunStatusRunning
	require.NoError(t, h.store.RunRepository().CreateRun(t.Context(), run, agentRuns))

	require.NoError(t, h.sched.Resume(t.Context()))
	h.sched.Wait()
	require.Equal(t, models.RunStatusSuccess, h.run(t, run.ID).Status)

	// A second resume finds nothing open and must not count the run again.
	require.NoError(t, h.sched.Resume(t.Context()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	active := int64(-1)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "sandflow.runs.active" {
				active = 0
				for _, point := range sum.DataPoints {
					active += point.Value
				}
			}
		}
	}

	assert.Equal(t, int64(0), active)

	var runSpans []sdktrace.ReadOnlySpan

	for _, span := range spans.Ended() {
		if span.Name() == "workflow_run" {
			runSpans = append(runSpans, span)
		}
	}

	require.Len(t, runSpans, 1)
	assert.Contains(t, runSpans[0].Attributes(), attribute.Bool(otelhelper.ResumedKey, true))
	assert.Contains(t, runSpans[0].Attributes(), attribute.String(otelhelper.StatusKey, string(models.RunStatusSuccess)))
}

func TestScheduler_StartRejections(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(context.Context, sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, nil
	})

	workflow := h.saveWorkflow(t, h.node("a"))

	trigger := models.RunTrigger{Kind: models.TriggerKindEvent, EventID: "evt-1"}

	_, err := h.sched.Start(t.Context(), workflow, trigger, nil)
	require.NoError(t, err)

	_, err = h.sched.Start(t.Context(), workflow, trigger, nil)
	assert.ErrorIs(t, err, persistence.ErrDuplicateRun)

	workflow.Status = models.WorkflowStatusInactive

	_, err = h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	assert.ErrorIs(t, err, scheduler.ErrWorkflowInactive)

	h.sched.Wait()
}

func TestScheduler_ConcurrentTicksDispatchOnce(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, t.TempDir(), func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
		rec.record(req)
		time.Sleep(5 * time.Millisecond)

		return sandbox.Result{}, nil
	})

	workflow := h.saveWorkflow(t, h.node("a"), h.node("b", "a"), h.node("c", "a"), h.node("d", "b", "c"))

	run, err := h.sched.Start(t.Context(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
	require.NoError(t, err)

	tickConcurrently(t, h.sched, run.ID, 10)
	h.sched.Wait()

	for _, node := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, rec.count(node), node)
	}

	assert.Equal(t, models.RunStatusSuccess, h.run(t, run.ID).Status)
}

// Random DAGs driven by racing ticks still execute every node exactly once.
func TestProperty_AtMostOnceDispatch(t *testing.T) {
	root := t.TempDir()

	rapid.Check(t, func(rt *rapid.T) {
		rec := newRecorder()
		h := newHarness(t, filepath.Join(root, fmt.Sprintf("case-%d", time.Now().UnixNano())),
			func(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
				rec.record(req)

				return sandbox.Result{Output: map[string]any{"ok": true}}, nil
			})

		size := rapid.IntRange(1, 6).Draw(rt, "size")
		nodes := make([]*models.Node, 0, size)

		for i := range size {
			var deps []string

			for j := range i {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps = append(deps, fmt.Sprintf("n%d", j))
				}
			}

			nodes = append(nodes, h.node(fmt.Sprintf("n%d", i), deps...))
		}

		workflow := h.saveWorkflow(t, nodes...)

		run, err := h.sched.Start(context.Background(), workflow, models.RunTrigger{Kind: models.TriggerKindManual}, nil)
		if err != nil {
			rt.Fatalf("start: %v", err)
		}

		tickConcurrently(t, h.sched, run.ID, rapid.IntRange(1, 6).Draw(rt, "tickers"))
		h.sched.Wait()

		for _, node := range nodes {
			if got := rec.count(node.ID); got != 1 {
				rt.Fatalf("node %s executed %d times", node.ID, got)
			}
		}

		if status := h.run(t, run.ID).Status; status != models.RunStatusSuccess {
			rt.Fatalf("run finished %s", status)
		}
	})
}

func tickConcurrently(t *testing.T, sched *scheduler.Scheduler, runID string, n int) {
	t.Helper()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, n)
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- sched.Tick(context.Background(), runID)
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tick: %v", err)
		}
	}
}
