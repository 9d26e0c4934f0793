package scheduler

import "errors"

var (
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrRunTerminal      = errors.New("run already finished")
)
