package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Agent manages agent registrations.
type Agent struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewAgent creates a new agent service.
func NewAgent(persistence persistence.Persistence, logger *slog.Logger) *Agent {
	return &Agent{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "agent_service"),
	}
}

// Register validates and stores a new agent. Registered agents start active.
func (a *Agent) Register(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if err := a.validateAgent(agent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent.ID = uuid.NewString()
	agent.Active = true
	agent.CreatedAt = now
	agent.UpdatedAt = now

	if err := a.persistence.AgentRepository().Save(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	a.logger.InfoContext(ctx, "Agent registered", "agent_id", agent.ID, "name", agent.Name, "risk_level", agent.RiskLevel)

	return agent, nil
}

// FetchByID retrieves an agent by its ID.
func (a *Agent) FetchByID(ctx context.Context, id string) (*models.Agent, error) {
	return a.persistence.AgentRepository().GetByID(ctx, id)
}

// List returns every registered agent ordered by name.
func (a *Agent) List(ctx context.Context) ([]*models.Agent, error) {
	agents, err := a.persistence.AgentRepository().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	slices.SortFunc(agents, func(x, y *models.Agent) int {
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}

		return strings.Compare(x.ID, y.ID)
	})

	return agents, nil
}

// Deactivate stops an agent from being used by new or pending executions.
// Deactivating an inactive agent is a no-op.
func (a *Agent) Deactivate(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := a.persistence.AgentRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !agent.Active {
		return agent, nil
	}

	agent.Active = false
	agent.UpdatedAt = time.Now().UTC()

	if err := a.persistence.AgentRepository().Save(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to deactivate agent: %w", err)
	}

	a.logger.InfoContext(ctx, "Agent deactivated", "agent_id", agent.ID)

	return agent, nil
}

func (a *Agent) validateAgent(agent *models.Agent) error {
	if agent == nil {
		return NewValidationError("Register", "INVALID_AGENT", "agent cannot be nil", ErrInvalidRequest)
	}

	if err := a.validate.Struct(agent); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	for action, schema := range agent.InputSchemas {
		if !agent.SupportsAction(action) {
			return NewValidationError("Register", "INVALID_SCHEMA",
				fmt.Sprintf("input schema for unknown action %q", action), ErrInvalidSchema)
		}

		if err := executor.CheckSchema(schema); err != nil {
			return NewValidationError("Register", "INVALID_SCHEMA",
				fmt.Sprintf("input schema for action %q: %v", action, err), ErrInvalidSchema)
		}
	}

	return nil
}
