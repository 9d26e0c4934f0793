package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

const agentColumns = `id, name, entrypoint, risk_level, actions, input_schemas, active, created_at, updated_at`

// AgentRepository handles agent-related database operations.
type AgentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAgentRepository(db *sql.DB, logger *slog.Logger) *AgentRepository {
	return &AgentRepository{db: db, logger: logger}
}

func (r *AgentRepository) Save(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}

	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}

	actions, err := marshalJSON(agent.Actions)
	if err != nil {
		return err
	}

	schemas, err := marshalJSON(agent.InputSchemas)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			entrypoint = EXCLUDED.entrypoint,
			risk_level = EXCLUDED.risk_level,
			actions = EXCLUDED.actions,
			input_schemas = EXCLUDED.input_schemas,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Entrypoint,
		agent.RiskLevel,
		actions,
		schemas,
		agent.Active,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}

	return nil
}

func (r *AgentRepository) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrAgentNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	return agent, nil
}

func (r *AgentRepository) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	agents := make([]*models.Agent, 0)

	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}

		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		agent   models.Agent
		actions []byte
		schemas []byte
	)

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Entrypoint,
		&agent.RiskLevel,
		&actions,
		&schemas,
		&agent.Active,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(actions, &agent.Actions); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(schemas, &agent.InputSchemas); err != nil {
		return nil, err
	}

	return &agent, nil
}
