package postgresql

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRunRepository(t *testing.T) (*RunRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return newPersistence(db, slog.Default()).runRepo, mock
}

func TestCompareAndSwapAgentRun_Swapped(t *testing.T) {
	repo, mock := newMockRunRepository(t)

	mock.ExpectExec("UPDATE agent_runs").
		WithArgs("ar-1", models.AgentRunStatusPending, models.AgentRunStatusRunning,
			false, "", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	swapped, err := repo.CompareAndSwapAgentRun(t.Context(), &models.AgentRun{
		ID:     "ar-1",
		Status: models.AgentRunStatusRunning,
	}, models.AgentRunStatusPending)

	require.NoError(t, err)
	assert.True(t, swapped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapAgentRun_LostRace(t *testing.T) {
	repo, mock := newMockRunRepository(t)

	mock.ExpectExec("UPDATE agent_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM agent_runs").
		WithArgs("ar-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	swapped, err := repo.CompareAndSwapAgentRun(t.Context(), &models.AgentRun{
		ID:     "ar-1",
		Status: models.AgentRunStatusRunning,
	}, models.AgentRunStatusPending)

	require.NoError(t, err)
	assert.False(t, swapped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapRun_NotFound(t *testing.T) {
	repo, mock := newMockRunRepository(t)

	mock.ExpectExec("UPDATE workflow_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM workflow_runs").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))

	swapped, err := repo.CompareAndSwapRun(t.Context(), &models.WorkflowRun{
		ID:     "run-1",
		Status: models.RunStatusRunning,
	}, models.RunStatusPending)

	assert.False(t, swapped)
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun_DuplicateEvent(t *testing.T) {
	repo, mock := newMockRunRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_runs").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := repo.CreateRun(t.Context(), &models.WorkflowRun{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Trigger:    models.RunTrigger{Kind: models.TriggerKindEvent, EventID: "evt-1"},
		Status:     models.RunStatusPending,
	}, nil)

	assert.ErrorIs(t, err, persistence.ErrDuplicateRun)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun_RollsBackOnAgentRunFailure(t *testing.T) {
	repo, mock := newMockRunRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO agent_runs").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CreateRun(t.Context(), &models.WorkflowRun{ID: "run-1", WorkflowID: "wf-1"},
		[]*models.AgentRun{{ID: "ar-1", WorkflowRunID: "run-1", NodeID: "scan"}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan")
	assert.NoError(t, mock.ExpectationsWereMet())
}
