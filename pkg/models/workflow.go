// Package models defines the core domain models for DAG workflow orchestration.
package models

import "time"

// WorkflowStatus represents whether a workflow may produce new runs.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusInactive WorkflowStatus = "INACTIVE"
)

// Workflow is a reusable DAG of nodes referencing agents.
type Workflow struct {
	ID          string         `json:"id"          yaml:"id"`
	Name        string         `json:"name"        yaml:"name"        validate:"required,min=3"`
	Description string         `json:"description" yaml:"description"`
	Status      WorkflowStatus `json:"status"      yaml:"status"      validate:"required,oneof=ACTIVE INACTIVE"`
	Trigger     Trigger        `json:"trigger"     yaml:"trigger"`
	Nodes       []*Node        `json:"nodes"       yaml:"nodes"       validate:"required,min=1,dive,required"`
	CreatedAt   time.Time      `json:"created_at"  yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at"  yaml:"-"`
}

// IsActive reports whether the workflow accepts triggers.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}
