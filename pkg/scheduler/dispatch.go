package scheduler

import (
	"context"
	"errors"

	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/template"
)

// resolveInput renders the node's input template. Only direct dependencies in
// SUCCESS contribute outputs to the scope.
func resolveInput(node *models.Node, run *models.WorkflowRun, snapshot []*models.AgentRun) (map[string]any, error) {
	byNode := make(map[string]*models.AgentRun, len(snapshot))
	for _, agentRun := range snapshot {
		byNode[agentRun.NodeID] = agentRun
	}

	outputs := make(map[string]map[string]any, len(node.DependsOn))

	for _, dep := range node.DependsOn {
		if agentRun, ok := byNode[dep]; ok && agentRun.Status == models.AgentRunStatusSuccess {
			outputs[dep] = agentRun.Output
			if outputs[dep] == nil {
				outputs[dep] = map[string]any{}
			}
		}
	}

	return template.ResolveInput(node.InputTemplate, template.Scope{
		Context: run.Context,
		Outputs: outputs,
	})
}

func errorCode(err error) string {
	var openErr *resilience.CircuitOpenError

	switch {
	case template.IsResolutionError(err):
		return models.ErrorCodeTemplateResolution
	case errors.Is(err, executor.ErrTimeout):
		return models.ErrorCodeTimeout
	case errors.As(err, &openErr):
		return models.ErrorCodeCircuitOpen
	case errors.Is(err, context.Canceled):
		return models.ErrorCodeCancelled
	default:
		return models.ErrorCodeExecution
	}
}
