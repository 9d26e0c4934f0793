package web

import "github.com/dukex/sandflow/pkg/models"

// RegisterAgentRequest represents the request body for registering an agent.
type RegisterAgentRequest struct {
	Name         string                    `json:"name"                    validate:"required,min=1"`
	Entrypoint   string                    `json:"entrypoint"              validate:"required"`
	RiskLevel    models.RiskLevel          `json:"risk_level"              validate:"required,oneof=AUTO APPROVAL_REQUIRED"`
	Actions      []string                  `json:"actions"                 validate:"required,min=1"`
	InputSchemas map[string]map[string]any `json:"input_schemas,omitempty"`
}

// WorkflowRequest represents the request body for creating or replacing a workflow.
type WorkflowRequest struct {
	Name        string                `json:"name"        validate:"required,min=3"`
	Description string                `json:"description"`
	Status      models.WorkflowStatus `json:"status"      validate:"omitempty,oneof=ACTIVE INACTIVE"`
	Trigger     models.Trigger        `json:"trigger"`
	Nodes       []*models.Node        `json:"nodes"       validate:"required,min=1"`
}

func (r WorkflowRequest) toModel() *models.Workflow {
	return &models.Workflow{
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		Trigger:     r.Trigger,
		Nodes:       r.Nodes,
	}
}

// SetStatusRequest represents the request body for activating or deactivating a workflow.
type SetStatusRequest struct {
	Status models.WorkflowStatus `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
}

// TriggerRequest carries the run context of a manual trigger.
type TriggerRequest struct {
	Context map[string]any `json:"context"`
}

// TriggerResponse is returned as soon as a run is accepted.
type TriggerResponse struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// RejectRequest represents the request body for rejecting a gated agent run.
type RejectRequest struct {
	Reason string `json:"reason"`
}
