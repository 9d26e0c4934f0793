package services

import (
	"testing"

	"github.com/dukex/sandflow/pkg/graph"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_Create(t *testing.T) {
	s := newTestServices(t)
	agent := s.registerAgent(t)

	workflow := testutil.CreateTestWorkflow([]*models.Node{
		testutil.CreateTestNode("scan", agent.ID),
		testutil.CreateTestNode("notify", agent.ID, "scan"),
	}, func(w *models.Workflow) { w.Status = "" })

	created, err := s.workflows.Create(t.Context(), workflow)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusActive, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	stored, err := s.workflows.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 2)
	assert.Equal(t, []string{"scan"}, stored.NodeByID("notify").DependsOn)

	// MANUAL workflows never touch the schedule.
	assert.Zero(t, s.syncer.count())
}

func TestWorkflow_CreateValidation(t *testing.T) {
	s := newTestServices(t)
	agent := s.registerAgent(t)

	tests := []struct {
		name  string
		nodes []*models.Node
		want  error
	}{
		{
			name: "cycle",
			nodes: []*models.Node{
				testutil.CreateTestNode("a", agent.ID, "b"),
				testutil.CreateTestNode("b", agent.ID, "a"),
			},
			want: graph.ErrCycle,
		},
		{
			name:  "unknown agent",
			nodes: []*models.Node{testutil.CreateTestNode("a", "nobody")},
			want:  graph.ErrUnknownAgent,
		},
		{
			name:  "missing dependency",
			nodes: []*models.Node{testutil.CreateTestNode("a", agent.ID, "ghost")},
			want:  graph.ErrDanglingDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.workflows.Create(t.Context(), testutil.CreateTestWorkflow(tt.nodes))
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidationError(err))
		})
	}

	_, err := s.workflows.Create(t.Context(), nil)
	assert.True(t, IsValidationError(err))

	result, err := s.workflows.ListWorkflows(t.Context(), ListWorkflowsRequest{})
	require.NoError(t, err)
	assert.Zero(t, result.TotalCount)
}

func TestWorkflow_UpdateAndDeleteRefusedWhileRunning(t *testing.T) {
	s := newTestServices(t)
	agent := s.registerAgent(t)
	workflow := s.createWorkflow(t, testutil.CreateTestNode("a", agent.ID))

	run, err := s.runs.Trigger(t.Context(), workflow.ID, nil)
	require.NoError(t, err)

	update := testutil.CreateTestWorkflow([]*models.Node{
		testutil.CreateTestNode("a", agent.ID),
		testutil.CreateTestNode("b", agent.ID, "a"),
	})

	_, err = s.workflows.Update(t.Context(), workflow.ID, update)
	require.ErrorIs(t, err, ErrWorkflowBusy)
	assert.True(t, IsConflictError(err))

	err = s.workflows.Delete(t.Context(), workflow.ID)
	require.ErrorIs(t, err, ErrWorkflowBusy)

	s.release()
	s.waitForRun(t, run.ID, models.RunStatusSuccess)

	updated, err := s.workflows.Update(t.Context(), workflow.ID, update)
	require.NoError(t, err)
	assert.Equal(t, workflow.ID, updated.ID)
	assert.Equal(t, workflow.CreatedAt, updated.CreatedAt)
	assert.Len(t, updated.Nodes, 2)

	require.NoError(t, s.workflows.Delete(t.Context(), workflow.ID))

	_, err = s.workflows.FetchByID(t.Context(), workflow.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	err = s.workflows.Delete(t.Context(), workflow.ID)
	assert.True(t, IsNotFoundError(err))
}

func TestWorkflow_ListWorkflows(t *testing.T) {
	s := newTestServices(t)
	agent := s.registerAgent(t)

	for range 3 {
		s.createWorkflow(t, testutil.CreateTestNode("a", agent.ID))
	}

	inactive := s.createWorkflow(t, testutil.CreateTestNode("a", agent.ID))
	_, err := s.workflows.SetStatus(t.Context(), inactive.ID, models.WorkflowStatusInactive)
	require.NoError(t, err)

	page, err := s.workflows.ListWorkflows(t.Context(), ListWorkflowsRequest{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Workflows, 2)
	assert.Equal(t, int64(4), page.TotalCount)
	assert.True(t, page.HasNextPage)

	status := models.WorkflowStatusInactive
	filtered, err := s.workflows.ListWorkflows(t.Context(), ListWorkflowsRequest{Status: &status})
	require.NoError(t, err)
	require.Len(t, filtered.Workflows, 1)
	assert.Equal(t, inactive.ID, filtered.Workflows[0].ID)

	_, err = s.workflows.ListWorkflows(t.Context(), ListWorkflowsRequest{SortBy: "owner"})
	require.ErrorIs(t, err, ErrInvalidSortField)

	bogus := models.WorkflowStatus("DRAFT")
	_, err = s.workflows.ListWorkflows(t.Context(), ListWorkflowsRequest{Status: &bogus})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestWorkflow_SetStatus(t *testing.T) {
	s := newTestServices(t)
	agent := s.registerAgent(t)

	workflow, err := s.workflows.Create(t.Context(), testutil.CreateTestWorkflow(
		[]*models.Node{testutil.CreateTestNode("a", agent.ID)},
		func(w *models.Workflow) {
			w.Trigger = models.Trigger{Kind: models.TriggerKindSchedule, Schedule: "*/5 * * * *"}
		},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, s.syncer.count())

	deactivated, err := s.workflows.SetStatus(t.Context(), workflow.ID, models.WorkflowStatusInactive)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInactive, deactivated.Status)
	assert.Equal(t, 2, s.syncer.count())

	_, err = s.agents.Deactivate(t.Context(), agent.ID)
	require.NoError(t, err)

	_, err = s.workflows.SetStatus(t.Context(), workflow.ID, models.WorkflowStatusActive)
	require.ErrorIs(t, err, graph.ErrInactiveAgent)

	_, err = s.workflows.SetStatus(t.Context(), workflow.ID, "PAUSED")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = s.workflows.SetStatus(t.Context(), "missing", models.WorkflowStatusActive)
	assert.True(t, IsNotFoundError(err))
}
