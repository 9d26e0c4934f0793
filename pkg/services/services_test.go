package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/sandflow/pkg/approval"
	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/persistence/file"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/sandbox"
	"github.com/dukex/sandflow/pkg/scheduler"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/require"
)

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSyncer) Sync(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	return nil
}

func (c *countingSyncer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type testServices struct {
	store     persistence.Persistence
	sched     *scheduler.Scheduler
	agents    *Agent
	workflows *Workflow
	runs      *Run
	syncer    *countingSyncer
	release   func()
}

// newTestServices wires the services over file persistence. Sandbox calls
// block until release is called.
func newTestServices(t *testing.T) *testServices {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })

	runner := sandbox.FuncRunner(func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		select {
		case <-release:
			return sandbox.Result{Output: map[string]any{"ok": true}}, nil
		case <-ctx.Done():
			return sandbox.Result{}, ctx.Err()
		}
	})

	breaker := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(), logger)
	sched := scheduler.New(store, executor.New(runner, breaker, logger), logger)
	gate := approval.NewGate(store.RunRepository(), sched, logger)
	syncer := &countingSyncer{}

	t.Cleanup(sched.Wait)
	t.Cleanup(releaseOnce)

	return &testServices{
		store:     store,
		sched:     sched,
		agents:    NewAgent(store, logger),
		workflows: NewWorkflow(store, syncer, logger),
		runs:      NewRun(store, sched, gate, logger),
		syncer:    syncer,
		release:   releaseOnce,
	}
}

func (s *testServices) registerAgent(t *testing.T, overrides ...func(*models.Agent)) *models.Agent {
	t.Helper()

	agent, err := s.agents.Register(t.Context(), testutil.CreateTestAgent(overrides...))
	require.NoError(t, err)

	return agent
}

func (s *testServices) createWorkflow(t *testing.T, nodes ...*models.Node) *models.Workflow {
	t.Helper()

	workflow, err := s.workflows.Create(t.Context(), testutil.CreateTestWorkflow(nodes))
	require.NoError(t, err)

	return workflow
}

func (s *testServices) waitForRun(t *testing.T, runID string, status models.RunStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		run, err := s.store.RunRepository().GetRun(context.Background(), runID)

		return err == nil && run.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}
