package models

import "time"

// DefaultNodeTimeout bounds a single sandbox call when the node does not override it.
const DefaultNodeTimeout = 30 * time.Second

// Node is one vertex of a workflow DAG, bound to an agent action and an input template.
type Node struct {
	ID            string         `json:"id"                          yaml:"id"                          validate:"required"`
	AgentID       string         `json:"agent_id"                    yaml:"agent_id"                    validate:"required"`
	Action        string         `json:"action"                      yaml:"action"                      validate:"required"`
	InputTemplate map[string]any `json:"input_template,omitempty"    yaml:"input_template,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"        yaml:"depends_on,omitempty"        validate:"dive,required"`
	// ApprovalRequired overrides the agent's risk level when set.
	ApprovalRequired *bool `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	TimeoutSeconds   int   `json:"timeout_seconds,omitempty"   yaml:"timeout_seconds,omitempty"   validate:"min=0"`
}

// RequiresApproval resolves the per-node override against the agent's risk level.
func (n *Node) RequiresApproval(agent *Agent) bool {
	if n.ApprovalRequired != nil {
		return *n.ApprovalRequired
	}

	return agent != nil && agent.RequiresApproval()
}

// Timeout returns the wall-clock limit for one execution of this node. Zero
// leaves the limit to the executor's configured default.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}

	return 0
}
