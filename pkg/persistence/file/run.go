package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

// RunRepository stores runs/<id>.json and agent_runs/<run id>/<id>.json.
// A single mutex makes compare-and-swap atomic within the process.
type RunRepository struct {
	runsDir      string
	agentRunsDir string
	mu           sync.Mutex
}

func NewRunRepository(root string) *RunRepository {
	return &RunRepository{
		runsDir:      filepath.Join(root, "runs"),
		agentRunsDir: filepath.Join(root, "agent_runs"),
	}
}

func (r *RunRepository) runPath(id string) string {
	return filepath.Join(r.runsDir, id+".json")
}

func (r *RunRepository) agentRunPath(runID, id string) string {
	return filepath.Join(r.agentRunsDir, runID, id+".json")
}

func (r *RunRepository) CreateRun(_ context.Context, run *models.WorkflowRun, agentRuns []*models.AgentRun) error {
	if err := safeName(run.ID); err != nil {
		return err
	}

	for _, agentRun := range agentRuns {
		if err := safeName(agentRun.ID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if run.Trigger.EventID != "" {
		existing, err := r.listRuns(persistence.ListRunsOptions{WorkflowID: run.WorkflowID})
		if err != nil {
			return err
		}

		for _, other := range existing {
			if other.Trigger.EventID == run.Trigger.EventID {
				return persistence.NewRunError("CreateRun", other.ID, persistence.ErrDuplicateRun)
			}
		}
	}

	// agent runs first: a run file without its agent runs is never visible
	for _, agentRun := range agentRuns {
		if err := writeJSON(r.agentRunPath(run.ID, agentRun.ID), agentRun); err != nil {
			return persistence.NewRunError("CreateRun", run.ID, err)
		}
	}

	if err := writeJSON(r.runPath(run.ID), run); err != nil {
		_ = os.RemoveAll(filepath.Join(r.agentRunsDir, run.ID))

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

func (r *RunRepository) GetRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.getRun(id)
}

func (r *RunRepository) getRun(id string) (*models.WorkflowRun, error) {
	if err := safeName(id); err != nil {
		return nil, persistence.ErrRunNotFound
	}

	var run models.WorkflowRun

	err := readJSON(r.runPath(id), &run)
	if os.IsNotExist(err) {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}

	return &run, nil
}

func (r *RunRepository) ListRuns(_ context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs, err := r.listRuns(opts)
	if err != nil {
		return nil, err
	}

	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}

	return runs, nil
}

func (r *RunRepository) listRuns(opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	runs := make([]*models.WorkflowRun, 0)

	err := readAll(r.runsDir, func(path string) error {
		var run models.WorkflowRun
		if err := readJSON(path, &run); err != nil {
			return err
		}

		if opts.Matches(&run) {
			runs = append(runs, &run)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs, nil
}

func (r *RunRepository) GetAgentRun(_ context.Context, id string) (*models.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.getAgentRun(id)
}

func (r *RunRepository) getAgentRun(id string) (*models.AgentRun, error) {
	if err := safeName(id); err != nil {
		return nil, persistence.ErrAgentRunNotFound
	}

	matches, err := filepath.Glob(filepath.Join(r.agentRunsDir, "*", id+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to locate agent run %s: %w", id, err)
	}

	if len(matches) == 0 {
		return nil, persistence.ErrAgentRunNotFound
	}

	var agentRun models.AgentRun
	if err := readJSON(matches[0], &agentRun); err != nil {
		return nil, fmt.Errorf("failed to fetch agent run %s: %w", id, err)
	}

	return &agentRun, nil
}

func (r *RunRepository) GetAgentRuns(_ context.Context, runID string) ([]*models.AgentRun, error) {
	if err := safeName(runID); err != nil {
		return nil, persistence.ErrRunNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agentRuns := make([]*models.AgentRun, 0)

	err := readAll(filepath.Join(r.agentRunsDir, runID), func(path string) error {
		var agentRun models.AgentRun
		if err := readJSON(path, &agentRun); err != nil {
			return err
		}

		agentRuns = append(agentRuns, &agentRun)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs of %s: %w", runID, err)
	}

	sort.Slice(agentRuns, func(i, j int) bool {
		return agentRuns[i].NodeID < agentRuns[j].NodeID
	})

	return agentRuns, nil
}

func (r *RunRepository) ListAgentRunsByStatus(_ context.Context, status models.AgentRunStatus) ([]*models.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(r.agentRunsDir, "*", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}

	agentRuns := make([]*models.AgentRun, 0)

	for _, match := range matches {
		var agentRun models.AgentRun
		if err := readJSON(match, &agentRun); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(match), err)
		}

		if agentRun.Status == status {
			agentRuns = append(agentRuns, &agentRun)
		}
	}

	return agentRuns, nil
}

func (r *RunRepository) CompareAndSwapRun(_ context.Context, run *models.WorkflowRun, expected models.RunStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.getRun(run.ID)
	if err != nil {
		return false, err
	}

	if current.Status != expected {
		return false, nil
	}

	if err := writeJSON(r.runPath(run.ID), run); err != nil {
		return false, persistence.NewRunError("CompareAndSwapRun", run.ID, err)
	}

	return true, nil
}

func (r *RunRepository) CompareAndSwapAgentRun(_ context.Context, agentRun *models.AgentRun, expected models.AgentRunStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.getAgentRun(agentRun.ID)
	if err != nil {
		return false, err
	}

	if current.Status != expected {
		return false, nil
	}

	if err := writeJSON(r.agentRunPath(current.WorkflowRunID, agentRun.ID), agentRun); err != nil {
		return false, persistence.NewRunError("CompareAndSwapAgentRun", current.WorkflowRunID, err)
	}

	return true, nil
}
