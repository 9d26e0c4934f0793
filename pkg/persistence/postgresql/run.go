package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/lib/pq"
)

const (
	runColumns = `id, workflow_id, trigger_kind, trigger_event_id, context, status, error, created_at, started_at, finished_at`

	agentRunColumns = `id, workflow_run_id, node_id, agent_id, status, approved, approved_by, resolved_input, output,
		error, error_code, gated_at, started_at, finished_at`
)

// RunRepository handles workflow run and agent run database operations.
// Status transitions are conditional updates, so at most one writer wins.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

func (r *RunRepository) CreateRun(ctx context.Context, run *models.WorkflowRun, agentRuns []*models.AgentRun) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	runArgs, err := runValues(run)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		runArgs...)
	if isUniqueViolation(err) {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateRun)
	}

	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	for _, agentRun := range agentRuns {
		args, err := agentRunValues(agentRun)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_runs (`+agentRunColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			args...)
		if err != nil {
			return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("insert agent run %s: %w", agentRun.NodeID, err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE ($1 = '' OR workflow_id = $1)`
	args := []any{opts.WorkflowID}

	if len(opts.Statuses) > 0 {
		statuses := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			statuses = append(statuses, string(status))
		}

		args = append(args, pq.Array(statuses))
		query += ` AND status = ANY($2)`
	}

	query += ` ORDER BY created_at DESC`

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.WorkflowRun, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	agentRun, err := scanAgentRun(r.db.QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrAgentRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan agent run: %w", err)
	}

	return agentRun, nil
}

func (r *RunRepository) GetAgentRuns(ctx context.Context, runID string) ([]*models.AgentRun, error) {
	return r.queryAgentRuns(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE workflow_run_id = $1 ORDER BY node_id`, runID)
}

func (r *RunRepository) ListAgentRunsByStatus(ctx context.Context, status models.AgentRunStatus) ([]*models.AgentRun, error) {
	return r.queryAgentRuns(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE status = $1`, status)
}

func (r *RunRepository) queryAgentRuns(ctx context.Context, query string, args ...any) ([]*models.AgentRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	agentRuns := make([]*models.AgentRun, 0)

	for rows.Next() {
		agentRun, err := scanAgentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}

		agentRuns = append(agentRuns, agentRun)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent runs: %w", err)
	}

	return agentRuns, nil
}

func (r *RunRepository) CompareAndSwapRun(ctx context.Context, run *models.WorkflowRun, expected models.RunStatus) (bool, error) {
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $3, error = $4, context = $5, started_at = $6, finished_at = $7
		WHERE id = $1 AND status = $2
	`,
		run.ID,
		expected,
		run.Status,
		run.Error,
		contextJSON,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return false, persistence.NewRunError("CompareAndSwapRun", run.ID, err)
	}

	return r.swapped(ctx, result, `SELECT 1 FROM workflow_runs WHERE id = $1`, run.ID,
		persistence.NewRunError("CompareAndSwapRun", run.ID, persistence.ErrRunNotFound))
}

func (r *RunRepository) CompareAndSwapAgentRun(ctx context.Context, agentRun *models.AgentRun, expected models.AgentRunStatus) (bool, error) {
	input, err := marshalJSON(agentRun.ResolvedInput)
	if err != nil {
		return false, err
	}

	output, err := marshalJSON(agentRun.Output)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $3, approved = $4, approved_by = $5, resolved_input = $6, output = $7,
			error = $8, error_code = $9, gated_at = $10, started_at = $11, finished_at = $12
		WHERE id = $1 AND status = $2
	`,
		agentRun.ID,
		expected,
		agentRun.Status,
		agentRun.Approved,
		agentRun.ApprovedBy,
		input,
		output,
		agentRun.Error,
		agentRun.ErrorCode,
		nullTime(agentRun.GatedAt),
		nullTime(agentRun.StartedAt),
		nullTime(agentRun.FinishedAt),
	)
	if err != nil {
		return false, persistence.NewRunError("CompareAndSwapAgentRun", agentRun.WorkflowRunID, err)
	}

	return r.swapped(ctx, result, `SELECT 1 FROM agent_runs WHERE id = $1`, agentRun.ID, persistence.ErrAgentRunNotFound)
}

// swapped distinguishes a lost race from a missing row when no row was updated.
func (r *RunRepository) swapped(ctx context.Context, result sql.Result, existsQuery, id string, notFound error) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return true, nil
	}

	var exists int

	err = r.db.QueryRowContext(ctx, existsQuery, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound
	}

	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", id, err)
	}

	return false, nil
}

func runValues(run *models.WorkflowRun) ([]any, error) {
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return nil, err
	}

	var eventID sql.NullString
	if run.Trigger.EventID != "" {
		eventID = sql.NullString{String: run.Trigger.EventID, Valid: true}
	}

	return []any{
		run.ID,
		run.WorkflowID,
		run.Trigger.Kind,
		eventID,
		contextJSON,
		run.Status,
		run.Error,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	}, nil
}

func agentRunValues(agentRun *models.AgentRun) ([]any, error) {
	input, err := marshalJSON(agentRun.ResolvedInput)
	if err != nil {
		return nil, err
	}

	output, err := marshalJSON(agentRun.Output)
	if err != nil {
		return nil, err
	}

	return []any{
		agentRun.ID,
		agentRun.WorkflowRunID,
		agentRun.NodeID,
		agentRun.AgentID,
		agentRun.Status,
		agentRun.Approved,
		agentRun.ApprovedBy,
		input,
		output,
		agentRun.Error,
		agentRun.ErrorCode,
		nullTime(agentRun.GatedAt),
		nullTime(agentRun.StartedAt),
		nullTime(agentRun.FinishedAt),
	}, nil
}

func scanRun(row scanner) (*models.WorkflowRun, error) {
	var (
		run         models.WorkflowRun
		eventID     sql.NullString
		contextJSON []byte
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.Trigger.Kind,
		&eventID,
		&contextJSON,
		&run.Status,
		&run.Error,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger.EventID = eventID.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)

	if err := unmarshalJSON(contextJSON, &run.Context); err != nil {
		return nil, err
	}

	return &run, nil
}

func scanAgentRun(row scanner) (*models.AgentRun, error) {
	var (
		agentRun   models.AgentRun
		input      []byte
		output     []byte
		gatedAt    sql.NullTime
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&agentRun.ID,
		&agentRun.WorkflowRunID,
		&agentRun.NodeID,
		&agentRun.AgentID,
		&agentRun.Status,
		&agentRun.Approved,
		&agentRun.ApprovedBy,
		&input,
		&output,
		&agentRun.Error,
		&agentRun.ErrorCode,
		&gatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	agentRun.GatedAt = timePtr(gatedAt)
	agentRun.StartedAt = timePtr(startedAt)
	agentRun.FinishedAt = timePtr(finishedAt)

	if err := unmarshalJSON(input, &agentRun.ResolvedInput); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(output, &agentRun.Output); err != nil {
		return nil, err
	}

	return &agentRun, nil
}
