// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestAgent creates an active AUTO agent supporting the "run" action.
func CreateTestAgent(overrides ...func(*models.Agent)) *models.Agent {
	agent := &models.Agent{
		ID:         uuid.NewString(),
		Name:       "test-agent",
		Entrypoint: "registry.local/test-agent:latest",
		RiskLevel:  models.RiskLevelAuto,
		Actions:    []string{"run"},
		Active:     true,
	}

	for _, override := range overrides {
		override(agent)
	}

	return agent
}

// WithApprovalRequired marks the agent as APPROVAL_REQUIRED.
func WithApprovalRequired() func(*models.Agent) {
	return func(a *models.Agent) {
		a.RiskLevel = models.RiskLevelApprovalRequired
	}
}

// CreateTestNode creates a node bound to agentID's "run" action.
func CreateTestNode(id, agentID string, dependsOn ...string) *models.Node {
	return &models.Node{
		ID:        id,
		AgentID:   agentID,
		Action:    "run",
		DependsOn: dependsOn,
	}
}

// CreateTestWorkflow creates an ACTIVE manually triggered workflow.
func CreateTestWorkflow(nodes []*models.Node, overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:          uuid.NewString(),
		Name:        "Test Workflow",
		Description: "workflow used in tests",
		Status:      models.WorkflowStatusActive,
		Trigger:     models.Trigger{Kind: models.TriggerKindManual},
		Nodes:       nodes,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithEventTrigger switches the workflow to an EVENT trigger on pattern.
func WithEventTrigger(pattern string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Trigger = models.Trigger{Kind: models.TriggerKindEvent, Pattern: pattern}
	}
}

// WithInputTemplate sets a node's input template.
func WithInputTemplate(node *models.Node, input map[string]any) *models.Node {
	node.InputTemplate = input

	return node
}

// CreateTestRun builds a PENDING run with one PENDING agent run per node.
func CreateTestRun(workflow *models.Workflow, overrides ...func(*models.WorkflowRun)) (*models.WorkflowRun, []*models.AgentRun) {
	run := &models.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		Trigger:    models.RunTrigger{Kind: models.TriggerKindManual},
		Context:    map[string]any{},
		Status:     models.RunStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	for _, override := range overrides {
		override(run)
	}

	agentRuns := make([]*models.AgentRun, 0, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		agentRuns = append(agentRuns, &models.AgentRun{
			ID:            uuid.NewString(),
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			AgentID:       node.AgentID,
			Status:        models.AgentRunStatusPending,
		})
	}

	return run, agentRuns
}

// WithEventID marks the run as started by an external event.
func WithEventID(eventID string) func(*models.WorkflowRun) {
	return func(r *models.WorkflowRun) {
		r.Trigger = models.RunTrigger{Kind: models.TriggerKindEvent, EventID: eventID}
	}
}
