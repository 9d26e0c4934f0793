package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
)

// AgentRepository stores one JSON file per agent.
type AgentRepository struct {
	dir string
	mu  sync.RWMutex
}

func NewAgentRepository(root string) *AgentRepository {
	return &AgentRepository{dir: filepath.Join(root, "agents")}
}

func (r *AgentRepository) Save(_ context.Context, agent *models.Agent) error {
	if err := safeName(agent.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}

	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}

	return writeJSON(filepath.Join(r.dir, agent.ID+".json"), agent)
}

func (r *AgentRepository) GetByID(_ context.Context, id string) (*models.Agent, error) {
	if err := safeName(id); err != nil {
		return nil, persistence.ErrAgentNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var agent models.Agent

	err := readJSON(filepath.Join(r.dir, id+".json"), &agent)
	if os.IsNotExist(err) {
		return nil, persistence.ErrAgentNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent %s: %w", id, err)
	}

	return &agent, nil
}

func (r *AgentRepository) List(_ context.Context) ([]*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0)

	err := readAll(r.dir, func(path string) error {
		var agent models.Agent
		if err := readJSON(path, &agent); err != nil {
			return err
		}

		agents = append(agents, &agent)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})

	return agents, nil
}
