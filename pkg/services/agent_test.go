package services

import (
	"testing"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_Register(t *testing.T) {
	s := newTestServices(t)

	input := testutil.CreateTestAgent(func(a *models.Agent) {
		a.ID = "ignored"
		a.Active = false
		a.InputSchemas = map[string]map[string]any{
			"run": {"type": "object", "required": []any{"target"}},
		}
	})

	agent, err := s.agents.Register(t.Context(), input)
	require.NoError(t, err)

	assert.NotEqual(t, "ignored", agent.ID)
	assert.True(t, agent.Active)
	assert.False(t, agent.CreatedAt.IsZero())

	stored, err := s.agents.FetchByID(t.Context(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, stored.Name)
	assert.Contains(t, stored.InputSchemas, "run")
}

func TestAgent_RegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		override func(*models.Agent)
	}{
		{"missing name", func(a *models.Agent) { a.Name = "" }},
		{"missing entrypoint", func(a *models.Agent) { a.Entrypoint = "" }},
		{"unknown risk level", func(a *models.Agent) { a.RiskLevel = "YOLO" }},
		{"no actions", func(a *models.Agent) { a.Actions = nil }},
		{"duplicate actions", func(a *models.Agent) { a.Actions = []string{"run", "run"} }},
		{"schema for unknown action", func(a *models.Agent) {
			a.InputSchemas = map[string]map[string]any{"deploy": {"type": "object"}}
		}},
		{"malformed schema", func(a *models.Agent) {
			a.InputSchemas = map[string]map[string]any{"run": {"type": 42}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServices(t)

			_, err := s.agents.Register(t.Context(), testutil.CreateTestAgent(tt.override))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
		})
	}
}

func TestAgent_ListAndDeactivate(t *testing.T) {
	s := newTestServices(t)

	beta := s.registerAgent(t, func(a *models.Agent) { a.Name = "beta" })
	s.registerAgent(t, func(a *models.Agent) { a.Name = "alpha" })

	agents, err := s.agents.List(t.Context())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].Name)

	deactivated, err := s.agents.Deactivate(t.Context(), beta.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	again, err := s.agents.Deactivate(t.Context(), beta.ID)
	require.NoError(t, err)
	assert.False(t, again.Active)

	_, err = s.agents.Deactivate(t.Context(), "missing")
	assert.True(t, IsNotFoundError(err))
}
