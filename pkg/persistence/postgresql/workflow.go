package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

const workflowColumns = `id, name, description, status, trigger_kind, trigger_pattern, trigger_schedule, created_at, updated_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// ListWorkflows returns one page of workflows. Sort fields are checked against
// an allowlist before they reach the query.
func (r *WorkflowRepository) ListWorkflows(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	conditions := []string{"deleted_at IS NULL"}
	args := []any{}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.TriggerKind != "" {
		args = append(args, opts.TriggerKind)
		conditions = append(conditions, fmt.Sprintf("trigger_kind = $%d", len(args)))
	}

	where := strings.Join(conditions, " AND ")

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM workflows WHERE %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		workflowColumns, where, opts.SortBy, strings.ToUpper(opts.SortOrder), len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		if err := r.loadNodes(ctx, workflow); err != nil {
			return nil, err
		}
	}

	return &persistence.WorkflowListResult{
		Workflows:   workflows,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(workflows)) < total,
	}, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND deleted_at IS NULL`, id)

	workflow, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	if err := r.loadNodes(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// Save upserts the workflow and replaces its nodes in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) (err error) {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	workflowQuery := `
		INSERT INTO workflows (` + workflowColumns + `, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			trigger_kind = EXCLUDED.trigger_kind,
			trigger_pattern = EXCLUDED.trigger_pattern,
			trigger_schedule = EXCLUDED.trigger_schedule,
			updated_at = EXCLUDED.updated_at,
			deleted_at = NULL
	`

	_, err = tx.ExecContext(ctx, workflowQuery,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		workflow.Trigger.Kind,
		workflow.Trigger.Pattern,
		workflow.Trigger.Schedule,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow base: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	if err = saveNodes(ctx, tx, workflow); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func saveNodes(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	nodeQuery := `
		INSERT INTO workflow_nodes (workflow_id, id, position, agent_id, action, input_template, depends_on, approval_required, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for position, node := range workflow.Nodes {
		input, err := marshalJSON(node.InputTemplate)
		if err != nil {
			return err
		}

		dependsOn := node.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}

		deps, err := marshalJSON(dependsOn)
		if err != nil {
			return err
		}

		var approval sql.NullBool
		if node.ApprovalRequired != nil {
			approval = sql.NullBool{Bool: *node.ApprovalRequired, Valid: true}
		}

		_, err = tx.ExecContext(ctx, nodeQuery,
			workflow.ID,
			node.ID,
			position,
			node.AgentID,
			node.Action,
			input,
			deps,
			approval,
			node.TimeoutSeconds,
		)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	return nil
}

// Delete soft deletes a workflow by setting deleted_at timestamp.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) loadNodes(ctx context.Context, workflow *models.Workflow) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, action, input_template, depends_on, approval_required, timeout_seconds
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY position
	`, workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflow.Nodes = make([]*models.Node, 0)

	for rows.Next() {
		var (
			node     models.Node
			input    []byte
			deps     []byte
			approval sql.NullBool
		)

		err := rows.Scan(&node.ID, &node.AgentID, &node.Action, &input, &deps, &approval, &node.TimeoutSeconds)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}

		if err := unmarshalJSON(input, &node.InputTemplate); err != nil {
			return err
		}

		if err := unmarshalJSON(deps, &node.DependsOn); err != nil {
			return err
		}

		if len(node.DependsOn) == 0 {
			node.DependsOn = nil
		}

		if approval.Valid {
			node.ApprovalRequired = &approval.Bool
		}

		workflow.Nodes = append(workflow.Nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating nodes: %w", err)
	}

	return nil
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var workflow models.Workflow

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Status,
		&workflow.Trigger.Kind,
		&workflow.Trigger.Pattern,
		&workflow.Trigger.Schedule,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}
