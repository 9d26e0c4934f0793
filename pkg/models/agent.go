package models

import (
	"slices"
	"time"
)

// RiskLevel describes whether an agent may run unattended.
type RiskLevel string

const (
	RiskLevelAuto             RiskLevel = "AUTO"
	RiskLevelApprovalRequired RiskLevel = "APPROVAL_REQUIRED"
)

// Agent is a registered capability executed inside an isolated sandbox.
type Agent struct {
	ID         string    `json:"id"                      yaml:"id"`
	Name       string    `json:"name"                    yaml:"name"          validate:"required,min=1"`
	Entrypoint string    `json:"entrypoint"              yaml:"entrypoint"    validate:"required"`
	RiskLevel  RiskLevel `json:"risk_level"              yaml:"risk_level"    validate:"required,oneof=AUTO APPROVAL_REQUIRED"`
	Actions    []string  `json:"actions"                 yaml:"actions"       validate:"required,min=1,unique,dive,required"`
	// InputSchemas optionally maps an action name to a JSON schema the
	// resolved input must satisfy before the sandbox is called.
	InputSchemas map[string]map[string]any `json:"input_schemas,omitempty" yaml:"input_schemas,omitempty"`
	Active       bool                      `json:"active"                  yaml:"active"`
	CreatedAt    time.Time                 `json:"created_at"              yaml:"-"`
	UpdatedAt    time.Time                 `json:"updated_at"              yaml:"-"`
}

// SupportsAction reports whether action is one of the agent's operations.
func (a *Agent) SupportsAction(action string) bool {
	return slices.Contains(a.Actions, action)
}

// RequiresApproval reports whether the agent's risk level gates execution by default.
func (a *Agent) RequiresApproval() bool {
	return a.RiskLevel == RiskLevelApprovalRequired
}
