package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAwaitingApproval is returned when approve or reject targets an
	// agent run that is not AWAITING_APPROVAL, including a second decision
	// on the same agent run.
	ErrNotAwaitingApproval = errors.New("agent run is not awaiting approval")

	ErrApprovalRejected = errors.New("approval rejected")
)

// ApprovalRejectedError is the failure recorded on a rejected agent run.
type ApprovalRejectedError struct {
	AgentRunID string
	Reason     string
	Expired    bool
}

func (e *ApprovalRejectedError) Error() string {
	if e.Expired {
		return fmt.Sprintf("approval of agent run %s expired: %s", e.AgentRunID, e.Reason)
	}

	if e.Reason == "" {
		return fmt.Sprintf("approval of agent run %s rejected", e.AgentRunID)
	}

	return fmt.Sprintf("approval of agent run %s rejected: %s", e.AgentRunID, e.Reason)
}

func (e *ApprovalRejectedError) Is(target error) bool {
	return target == ErrApprovalRejected
}
