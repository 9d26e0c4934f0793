package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/sandflow/pkg/models"
)

// SetStatus activates or deactivates a workflow. Activation re-validates the
// definition, since agents it references may have been deactivated since it
// was saved. Deactivation never affects runs already started.
func (w *Workflow) SetStatus(ctx context.Context, workflowID string, status models.WorkflowStatus) (*models.Workflow, error) {
	if status != models.WorkflowStatusActive && status != models.WorkflowStatusInactive {
		return nil, NewValidationError("SetStatus", "INVALID_STATUS",
			fmt.Sprintf("invalid status '%s'", status), ErrInvalidStatus)
	}

	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status == status {
		return workflow, nil
	}

	workflow.Status = status
	workflow.UpdatedAt = time.Now().UTC()

	if status == models.WorkflowStatusActive {
		if err := w.validate(ctx, workflow); err != nil {
			return nil, err
		}
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to set workflow status: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow status changed", "workflow_id", workflowID, "status", status)
	w.syncTriggers(ctx, workflow)

	return workflow, nil
}
