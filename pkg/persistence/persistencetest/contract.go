// Package persistencetest holds behaviour tests shared by every persistence
// implementation.
package persistencetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty persistence for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// RunContract exercises the repository contract against factory.
func RunContract(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("agents", func(t *testing.T) { testAgents(t, factory(t)) })
	t.Run("workflows", func(t *testing.T) { testWorkflows(t, factory(t)) })
	t.Run("timestamps", func(t *testing.T) { testTimestamps(t, factory(t)) })
	t.Run("runs", func(t *testing.T) { testRuns(t, factory(t)) })
	t.Run("duplicate event", func(t *testing.T) { testDuplicateEvent(t, factory(t)) })
	t.Run("compare and swap", func(t *testing.T) { testCompareAndSwap(t, factory(t)) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, factory(t)) })
}

func testAgents(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.AgentRepository()

	agent := testutil.CreateTestAgent(func(a *models.Agent) {
		a.InputSchemas = map[string]map[string]any{"run": {"type": "object"}}
	})
	require.NoError(t, repo.Save(ctx, agent))
	assert.False(t, agent.CreatedAt.IsZero())

	fetched, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, fetched.Name)
	assert.Equal(t, agent.Actions, fetched.Actions)
	assert.Equal(t, "object", fetched.InputSchemas["run"]["type"])

	fetched.Active = false
	require.NoError(t, repo.Save(ctx, fetched))

	fetched, err = repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, fetched.Active)

	_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrAgentNotFound)

	agents, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func testWorkflows(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.WorkflowRepository()

	agent := testutil.CreateTestAgent()
	require.NoError(t, p.AgentRepository().Save(ctx, agent))

	first := testutil.CreateTestWorkflow([]*models.Node{
		testutil.CreateTestNode("scan", agent.ID),
		testutil.WithInputTemplate(testutil.CreateTestNode("notify", agent.ID, "scan"), map[string]any{
			"message": "found {{scan.output.total}} issues",
		}),
	}, func(w *models.Workflow) { w.Name = "alpha" })
	second := testutil.CreateTestWorkflow([]*models.Node{testutil.CreateTestNode("only", agent.ID)},
		testutil.WithEventTrigger("repo.*.push"),
		func(w *models.Workflow) { w.Name = "beta" })

	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	fetched, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, fetched.Nodes, 2)
	assert.Equal(t, []string{"scan"}, fetched.Nodes[1].DependsOn)
	assert.Equal(t, "found {{scan.output.total}} issues", fetched.Nodes[1].InputTemplate["message"])

	result, err := repo.ListWorkflows(ctx, persistence.ListWorkflowsOptions{SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, result.Workflows, 2)
	assert.Equal(t, "alpha", result.Workflows[0].Name)
	assert.Equal(t, int64(2), result.TotalCount)

	result, err = repo.ListWorkflows(ctx, persistence.ListWorkflowsOptions{TriggerKind: models.TriggerKindEvent})
	require.NoError(t, err)
	require.Len(t, result.Workflows, 1)
	assert.Equal(t, "repo.*.push", result.Workflows[0].Trigger.Pattern)

	page, err := repo.ListWorkflows(ctx, persistence.ListWorkflowsOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page.Workflows, 1)
	assert.True(t, page.HasNextPage)

	_, err = repo.ListWorkflows(ctx, persistence.ListWorkflowsOptions{SortBy: "name; DROP TABLE workflows; --"})
	assert.ErrorIs(t, err, persistence.ErrInvalidSort)

	require.NoError(t, repo.Delete(ctx, first.ID))

	_, err = repo.GetByID(ctx, first.ID)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, first.ID), persistence.ErrWorkflowNotFound)
}

func saveWorkflow(t *testing.T, p persistence.Persistence, nodes ...string) *models.Workflow {
	t.Helper()

	agent := testutil.CreateTestAgent()
	require.NoError(t, p.AgentRepository().Save(t.Context(), agent))

	list := make([]*models.Node, 0, len(nodes))
	for _, id := range nodes {
		list = append(list, testutil.CreateTestNode(id, agent.ID))
	}

	workflow := testutil.CreateTestWorkflow(list)
	require.NoError(t, p.WorkflowRepository().Save(t.Context(), workflow))

	return workflow
}

func testTimestamps(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()

	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	updated := created.Add(time.Hour)

	agent := testutil.CreateTestAgent(func(a *models.Agent) {
		a.CreatedAt = created
		a.UpdatedAt = created
	})
	require.NoError(t, p.AgentRepository().Save(ctx, agent))
	assert.Equal(t, created, agent.UpdatedAt)

	fetchedAgent, err := p.AgentRepository().GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, created.Equal(fetchedAgent.CreatedAt))
	assert.True(t, created.Equal(fetchedAgent.UpdatedAt))

	workflow := testutil.CreateTestWorkflow([]*models.Node{testutil.CreateTestNode("only", agent.ID)},
		func(w *models.Workflow) {
			w.CreatedAt = created
			w.UpdatedAt = updated
		})
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))
	assert.Equal(t, created, workflow.CreatedAt)
	assert.Equal(t, updated, workflow.UpdatedAt)

	fetched, err := p.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, created.Equal(fetched.CreatedAt))
	assert.True(t, updated.Equal(fetched.UpdatedAt))

	unstamped := testutil.CreateTestWorkflow([]*models.Node{testutil.CreateTestNode("only", agent.ID)})
	require.NoError(t, p.WorkflowRepository().Save(ctx, unstamped))
	assert.False(t, unstamped.CreatedAt.IsZero())
	assert.False(t, unstamped.UpdatedAt.IsZero())
}

func testRuns(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	workflow := saveWorkflow(t, p, "a", "b")

	run, agentRuns := testutil.CreateTestRun(workflow, func(r *models.WorkflowRun) {
		r.Context = map[string]any{"repositoryPath": "/repo"}
	})
	require.NoError(t, repo.CreateRun(ctx, run, agentRuns))

	fetched, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, fetched.Status)
	assert.Equal(t, "/repo", fetched.Context["repositoryPath"])

	children, err := repo.GetAgentRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].NodeID)

	single, err := repo.GetAgentRun(ctx, agentRuns[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "b", single.NodeID)

	later, laterAgentRuns := testutil.CreateTestRun(workflow, func(r *models.WorkflowRun) {
		r.CreatedAt = run.CreatedAt.Add(time.Second)
	})
	require.NoError(t, repo.CreateRun(ctx, later, laterAgentRuns))

	runs, err := repo.ListRuns(ctx, persistence.ListRunsOptions{WorkflowID: workflow.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, later.ID, runs[0].ID)

	pending, err := repo.ListAgentRunsByStatus(ctx, models.AgentRunStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	_, err = repo.GetRun(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)

	_, err = repo.GetAgentRun(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, persistence.ErrAgentRunNotFound)
}

func testDuplicateEvent(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	workflow := saveWorkflow(t, p, "a")

	run, agentRuns := testutil.CreateTestRun(workflow, testutil.WithEventID("evt-1"))
	require.NoError(t, repo.CreateRun(ctx, run, agentRuns))

	again, againAgentRuns := testutil.CreateTestRun(workflow, testutil.WithEventID("evt-1"))
	assert.ErrorIs(t, repo.CreateRun(ctx, again, againAgentRuns), persistence.ErrDuplicateRun)

	other := saveWorkflow(t, p, "a")
	otherRun, otherAgentRuns := testutil.CreateTestRun(other, testutil.WithEventID("evt-1"))
	require.NoError(t, repo.CreateRun(ctx, otherRun, otherAgentRuns))

	runs, err := repo.ListRuns(ctx, persistence.ListRunsOptions{WorkflowID: workflow.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testCompareAndSwap(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	workflow := saveWorkflow(t, p, "a")

	run, agentRuns := testutil.CreateTestRun(workflow)
	require.NoError(t, repo.CreateRun(ctx, run, agentRuns))

	started := time.Now().UTC().Truncate(time.Millisecond)
	running := run.Clone()
	running.Status = models.RunStatusRunning
	running.StartedAt = &started

	swapped, err := repo.CompareAndSwapRun(ctx, running, models.RunStatusPending)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = repo.CompareAndSwapRun(ctx, running, models.RunStatusPending)
	require.NoError(t, err)
	assert.False(t, swapped)

	fetched, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, fetched.Status)
	require.NotNil(t, fetched.StartedAt)
	assert.True(t, started.Equal(*fetched.StartedAt))

	done := agentRuns[0].Clone()
	done.Status = models.AgentRunStatusSuccess
	done.Output = map[string]any{"total": float64(3)}
	done.ResolvedInput = map[string]any{"path": "/repo"}

	swapped, err = repo.CompareAndSwapAgentRun(ctx, done, models.AgentRunStatusRunning)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = repo.CompareAndSwapAgentRun(ctx, done, models.AgentRunStatusPending)
	require.NoError(t, err)
	assert.True(t, swapped)

	stored, err := repo.GetAgentRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), stored.Output["total"])
	assert.Equal(t, "/repo", stored.ResolvedInput["path"])

	missing := done.Clone()
	missing.ID = "00000000-0000-0000-0000-000000000000"

	_, err = repo.CompareAndSwapAgentRun(ctx, missing, models.AgentRunStatusPending)
	assert.ErrorIs(t, err, persistence.ErrAgentRunNotFound)
}

func testConcurrentClaims(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.RunRepository()
	workflow := saveWorkflow(t, p, "a")

	run, agentRuns := testutil.CreateTestRun(workflow)
	require.NoError(t, repo.CreateRun(ctx, run, agentRuns))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claim := agentRuns[0].Clone()
			claim.Status = models.AgentRunStatusRunning

			swapped, err := repo.CompareAndSwapAgentRun(ctx, claim, models.AgentRunStatusPending)
			assert.NoError(t, err)

			if swapped {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
