package services

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/sandflow/pkg/mocks"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errStorageDown = errors.New("connection refused")

func TestWorkflow_HealthCheck(t *testing.T) {
	store := mocks.NewMockPersistence()
	store.On("HealthCheck", mock.Anything).Return(nil).Once()
	store.On("HealthCheck", mock.Anything).Return(errStorageDown).Once()

	service := NewWorkflow(store, nil, slog.New(slog.DiscardHandler))

	message, ok := service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	message, ok = service.HealthCheck(t.Context())
	assert.False(t, ok)
	assert.Contains(t, message, "connection refused")

	store.AssertExpectations(t)
}

func TestWorkflow_DeleteStorageFailures(t *testing.T) {
	workflow := testutil.CreateTestWorkflow([]*models.Node{testutil.CreateTestNode("scan", "agent-1")})

	t.Run("run lookup fails", func(t *testing.T) {
		store := mocks.NewMockPersistence()
		store.Workflows.On("GetByID", mock.Anything, workflow.ID).Return(workflow, nil)
		store.Runs.On("ListRuns", mock.Anything, mock.MatchedBy(func(opts persistence.ListRunsOptions) bool {
			return opts.WorkflowID == workflow.ID && opts.Limit == 1
		})).Return(nil, errStorageDown)

		err := NewWorkflow(store, nil, slog.New(slog.DiscardHandler)).Delete(t.Context(), workflow.ID)
		require.ErrorIs(t, err, errStorageDown)

		store.Workflows.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("delete fails", func(t *testing.T) {
		store := mocks.NewMockPersistence()
		store.Workflows.On("GetByID", mock.Anything, workflow.ID).Return(workflow, nil)
		store.Runs.On("ListRuns", mock.Anything, mock.Anything).Return([]*models.WorkflowRun{}, nil)
		store.Workflows.On("Delete", mock.Anything, workflow.ID).Return(errStorageDown)

		syncer := &countingSyncer{}

		err := NewWorkflow(store, syncer, slog.New(slog.DiscardHandler)).Delete(t.Context(), workflow.ID)
		require.ErrorIs(t, err, errStorageDown)
		assert.Zero(t, syncer.count())

		store.Workflows.AssertExpectations(t)
	})
}

func TestAgent_ListStorageFailure(t *testing.T) {
	store := mocks.NewMockPersistence()
	store.Agents.On("List", mock.Anything).Return(nil, errStorageDown)

	_, err := NewAgent(store, slog.New(slog.DiscardHandler)).List(t.Context())
	require.ErrorIs(t, err, errStorageDown)
	assert.False(t, IsNotFoundError(err))
}
