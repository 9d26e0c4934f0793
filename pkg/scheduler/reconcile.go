package scheduler

import (
	"github.com/dukex/sandflow/pkg/graph"
	"github.com/dukex/sandflow/pkg/models"
)

// Claim moves a ready PENDING agent run to Target.
type Claim struct {
	AgentRunID string
	NodeID     string
	Target     models.AgentRunStatus
}

// Skip moves a PENDING agent run whose dependency did not succeed to SKIPPED.
type Skip struct {
	AgentRunID string
	NodeID     string
	// Cause is the dependency that blocked the node.
	Cause string
}

// Plan is the set of transitions that bring a run closer to its fixed point.
type Plan struct {
	Skips  []Skip
	Claims []Claim
	// Final is set once no agent run can change any more.
	Final *models.RunStatus
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Skips) == 0 && len(p.Claims) == 0 && p.Final == nil
}

// Reconcile computes the next transitions for run. It has no side effects:
// the same inputs always produce the same plan.
//
// Nodes are visited in topological order so that skips cascade through the
// whole subgraph in a single pass. A ready node is claimed for RUNNING when it
// needs no approval or has already been approved, otherwise for
// AWAITING_APPROVAL.
func Reconcile(
	workflow *models.Workflow,
	agents map[string]*models.Agent,
	run *models.WorkflowRun,
	agentRuns []*models.AgentRun,
) Plan {
	var plan Plan

	if run.Status.IsTerminal() {
		return plan
	}

	order, err := graph.TopologicalOrder(workflow.Nodes)
	if err != nil {
		return plan
	}

	byNode := make(map[string]*models.AgentRun, len(agentRuns))
	for _, agentRun := range agentRuns {
		byNode[agentRun.NodeID] = agentRun
	}

	effective := make(map[string]models.AgentRunStatus, len(agentRuns))
	for _, agentRun := range agentRuns {
		effective[agentRun.NodeID] = agentRun.Status
	}

	for _, nodeID := range order {
		agentRun, ok := byNode[nodeID]
		if !ok || agentRun.Status != models.AgentRunStatusPending {
			continue
		}

		node := workflow.NodeByID(nodeID)
		ready := true
		blocked := ""

		for _, dep := range node.DependsOn {
			status := effective[dep]
			if status.IsBlocking() {
				blocked = dep

				break
			}

			if status != models.AgentRunStatusSuccess {
				ready = false
			}
		}

		switch {
		case blocked != "":
			effective[nodeID] = models.AgentRunStatusSkipped
			plan.Skips = append(plan.Skips, Skip{AgentRunID: agentRun.ID, NodeID: nodeID, Cause: blocked})
		case !ready:
		case agentRun.Approved || !node.RequiresApproval(agents[node.AgentID]):
			effective[nodeID] = models.AgentRunStatusRunning
			plan.Claims = append(plan.Claims, Claim{AgentRunID: agentRun.ID, NodeID: nodeID, Target: models.AgentRunStatusRunning})
		default:
			effective[nodeID] = models.AgentRunStatusAwaitingApproval
			plan.Claims = append(plan.Claims, Claim{AgentRunID: agentRun.ID, NodeID: nodeID, Target: models.AgentRunStatusAwaitingApproval})
		}
	}

	if len(plan.Skips) > 0 || len(plan.Claims) > 0 {
		return plan
	}

	final := models.RunStatusSuccess

	for _, agentRun := range agentRuns {
		switch effective[agentRun.NodeID] {
		case models.AgentRunStatusSuccess:
		case models.AgentRunStatusFailed, models.AgentRunStatusRejected, models.AgentRunStatusSkipped:
			final = models.RunStatusFailed
		default:
			return plan
		}
	}

	plan.Final = &final

	return plan
}
