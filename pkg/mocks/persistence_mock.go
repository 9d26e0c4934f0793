package mocks

import (
	"context"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Agents    *MockAgentRepository
	Workflows *MockWorkflowRepository
	Runs      *MockRunRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Agents:    &MockAgentRepository{},
		Workflows: &MockWorkflowRepository{},
		Runs:      &MockRunRepository{},
	}
}

func (m *MockPersistence) AgentRepository() persistence.AgentRepository {
	return m.Agents
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	return m.Workflows
}

func (m *MockPersistence) RunRepository() persistence.RunRepository {
	return m.Runs
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockAgentRepository is a mock implementation of persistence.AgentRepository interface.
type MockAgentRepository struct {
	mock.Mock
}

func (m *MockAgentRepository) Save(ctx context.Context, agent *models.Agent) error {
	args := m.Called(ctx, agent)

	return args.Error(0)
}

func (m *MockAgentRepository) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Agent), args.Error(1)
}

func (m *MockAgentRepository) List(ctx context.Context) ([]*models.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Agent), args.Error(1)
}

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository interface.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) ListWorkflows(
	ctx context.Context,
	opts persistence.ListWorkflowsOptions,
) (*persistence.WorkflowListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.WorkflowListResult), args.Error(1)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) CreateRun(ctx context.Context, run *models.WorkflowRun, agentRuns []*models.AgentRun) error {
	args := m.Called(ctx, run, agentRuns)

	return args.Error(0)
}

func (m *MockRunRepository) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowRun), args.Error(1)
}

func (m *MockRunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowRun), args.Error(1)
}

func (m *MockRunRepository) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AgentRun), args.Error(1)
}

func (m *MockRunRepository) GetAgentRuns(ctx context.Context, runID string) ([]*models.AgentRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AgentRun), args.Error(1)
}

func (m *MockRunRepository) ListAgentRunsByStatus(ctx context.Context, status models.AgentRunStatus) ([]*models.AgentRun, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AgentRun), args.Error(1)
}

func (m *MockRunRepository) CompareAndSwapRun(ctx context.Context, run *models.WorkflowRun, expected models.RunStatus) (bool, error) {
	args := m.Called(ctx, run, expected)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) CompareAndSwapAgentRun(
	ctx context.Context,
	agentRun *models.AgentRun,
	expected models.AgentRunStatus,
) (bool, error) {
	args := m.Called(ctx, agentRun, expected)

	return args.Bool(0), args.Error(1)
}
