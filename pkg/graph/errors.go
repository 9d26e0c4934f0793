package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyWorkflow       = errors.New("workflow must have at least one node")
	ErrInvalidWorkflow     = errors.New("invalid workflow definition")
	ErrInvalidNodeID       = errors.New("invalid node id")
	ErrDuplicateNode       = errors.New("duplicate node id")
	ErrDanglingDependency  = errors.New("dependency references unknown node")
	ErrCycle               = errors.New("dependency cycle detected")
	ErrUnknownAgent        = errors.New("node references unknown agent")
	ErrInactiveAgent       = errors.New("node references inactive agent")
	ErrUnknownAction       = errors.New("action not supported by agent")
	ErrInvalidTrigger      = errors.New("invalid trigger")
	ErrUndeclaredReference = errors.New("template references node outside depends_on")
)

// ValidationError reports every problem found in a workflow graph.
type ValidationError struct {
	WorkflowID string
	Problems   []Problem
}

// Problem is one validation failure, optionally bound to a node.
type Problem struct {
	NodeID  string
	Err     error
	Message string
}

func (p Problem) String() string {
	if p.NodeID == "" {
		return p.Message
	}

	return fmt.Sprintf("node %q: %s", p.NodeID, p.Message)
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Problems))
	for _, problem := range e.Problems {
		messages = append(messages, problem.String())
	}

	return "workflow validation failed: " + strings.Join(messages, "; ")
}

// Is matches any of the sentinel errors carried by the problems.
func (e *ValidationError) Is(target error) bool {
	for _, problem := range e.Problems {
		if errors.Is(problem.Err, target) {
			return true
		}
	}

	return false
}

func (e *ValidationError) add(nodeID string, err error, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{
		NodeID:  nodeID,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
	})
}

// IsValidationError reports whether err is a graph validation failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
