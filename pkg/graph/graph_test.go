package graph

import (
	"fmt"
	"testing"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testAgents() map[string]*models.Agent {
	return map[string]*models.Agent{
		"scanner": {ID: "scanner", Name: "scanner", Entrypoint: "scanner:1", RiskLevel: models.RiskLevelAuto, Actions: []string{"scan"}, Active: true},
		"fixer":   {ID: "fixer", Name: "fixer", Entrypoint: "fixer:1", RiskLevel: models.RiskLevelApprovalRequired, Actions: []string{"fix"}, Active: true},
		"retired": {ID: "retired", Name: "retired", Entrypoint: "retired:1", RiskLevel: models.RiskLevelAuto, Actions: []string{"scan"}, Active: false},
	}
}

func testWorkflow(nodes ...*models.Node) *models.Workflow {
	return &models.Workflow{
		ID:      "wf-1",
		Name:    "security review",
		Status:  models.WorkflowStatusActive,
		Trigger: models.Trigger{Kind: models.TriggerKindManual},
		Nodes:   nodes,
	}
}

func TestValidate_ValidDiamond(t *testing.T) {
	workflow := testWorkflow(
		&models.Node{ID: "a", AgentID: "scanner", Action: "scan"},
		&models.Node{ID: "b", AgentID: "scanner", Action: "scan", DependsOn: []string{"a"}},
		&models.Node{ID: "c", AgentID: "scanner", Action: "scan", DependsOn: []string{"a"}},
		&models.Node{
			ID: "d", AgentID: "fixer", Action: "fix", DependsOn: []string{"b", "c"},
			InputTemplate: map[string]any{"issues": "{{b.output.issues}}", "more": "{{c.output.issues}}"},
		},
	)

	assert.NoError(t, Validate(workflow, testAgents()))
}

func TestValidate_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		workflow *models.Workflow
		expected error
	}{
		{
			name:     "empty",
			workflow: testWorkflow(),
			expected: ErrEmptyWorkflow,
		},
		{
			name: "cycle",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan", DependsOn: []string{"b"}},
				&models.Node{ID: "b", AgentID: "scanner", Action: "scan", DependsOn: []string{"a"}},
			),
			expected: ErrCycle,
		},
		{
			name: "self dependency",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan", DependsOn: []string{"a"}},
			),
			expected: ErrCycle,
		},
		{
			name: "dangling dependency",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan", DependsOn: []string{"ghost"}},
			),
			expected: ErrDanglingDependency,
		},
		{
			name: "duplicate node",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan"},
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan"},
			),
			expected: ErrDuplicateNode,
		},
		{
			name: "unknown agent",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "nobody", Action: "scan"},
			),
			expected: ErrUnknownAgent,
		},
		{
			name: "inactive agent",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "retired", Action: "scan"},
			),
			expected: ErrInactiveAgent,
		},
		{
			name: "unknown action",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "deploy"},
			),
			expected: ErrUnknownAction,
		},
		{
			name: "reserved node id",
			workflow: testWorkflow(
				&models.Node{ID: "context", AgentID: "scanner", Action: "scan"},
			),
			expected: ErrInvalidNodeID,
		},
		{
			name: "dotted node id",
			workflow: testWorkflow(
				&models.Node{ID: "a.b", AgentID: "scanner", Action: "scan"},
			),
			expected: ErrInvalidNodeID,
		},
		{
			name: "reference outside depends_on",
			workflow: testWorkflow(
				&models.Node{ID: "a", AgentID: "scanner", Action: "scan"},
				&models.Node{ID: "b", AgentID: "scanner", Action: "scan", InputTemplate: map[string]any{"x": "{{a.output.x}}"}},
			),
			expected: ErrUndeclaredReference,
		},
		{
			name: "event trigger without pattern",
			workflow: func() *models.Workflow {
				workflow := testWorkflow(&models.Node{ID: "a", AgentID: "scanner", Action: "scan"})
				workflow.Trigger = models.Trigger{Kind: models.TriggerKindEvent}

				return workflow
			}(),
			expected: ErrInvalidTrigger,
		},
		{
			name: "wildcard in the middle of an event pattern",
			workflow: func() *models.Workflow {
				workflow := testWorkflow(&models.Node{ID: "a", AgentID: "scanner", Action: "scan"})
				workflow.Trigger = models.Trigger{Kind: models.TriggerKindEvent, Pattern: "repo.>.push"}

				return workflow
			}(),
			expected: ErrInvalidTrigger,
		},
		{
			name: "bad cron expression",
			workflow: func() *models.Workflow {
				workflow := testWorkflow(&models.Node{ID: "a", AgentID: "scanner", Action: "scan"})
				workflow.Trigger = models.Trigger{Kind: models.TriggerKindSchedule, Schedule: "every tuesday"}

				return workflow
			}(),
			expected: ErrInvalidTrigger,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.workflow, testAgents())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestValidate_NilAgentsSkipsAgentChecks(t *testing.T) {
	workflow := testWorkflow(&models.Node{ID: "a", AgentID: "nobody", Action: "anything"})

	assert.NoError(t, Validate(workflow, nil))
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	workflow := testWorkflow(
		&models.Node{ID: "a", AgentID: "nobody", Action: "scan", DependsOn: []string{"ghost"}},
		&models.Node{ID: "a", AgentID: "scanner", Action: "scan"},
	)

	err := Validate(workflow, testAgents())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Problems), 3)
	assert.ErrorIs(t, err, ErrDuplicateNode)
	assert.ErrorIs(t, err, ErrDanglingDependency)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestFindCycle_ReportsPath(t *testing.T) {
	nodes := []*models.Node{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}

	cycle := FindCycle(nodes)
	require.NotNil(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Len(t, cycle, 4)
}

func TestTopologicalOrder(t *testing.T) {
	nodes := []*models.Node{
		{ID: "report", DependsOn: []string{"scan", "lint"}},
		{ID: "scan"},
		{ID: "lint", DependsOn: []string{"scan", "scan"}},
	}

	order, err := TopologicalOrder(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"scan", "lint", "report"}, order)

	_, err = TopologicalOrder([]*models.Node{{ID: "a", DependsOn: []string{"a"}}})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestDependents(t *testing.T) {
	dependents := Dependents([]*models.Node{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	})

	assert.Equal(t, []string{"b", "c"}, dependents["a"])
	assert.Equal(t, []string{"c"}, dependents["b"])
	assert.Empty(t, dependents["c"])
}

// Edges that only point to earlier nodes never form a cycle. Chaining every
// node to its predecessor and the first to the last always does.
func TestProperty_CycleDetection(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(2, 12).Draw(rt, "size")
		nodes := make([]*models.Node, size)

		for i := range nodes {
			nodes[i] = &models.Node{ID: fmt.Sprintf("n%d", i)}
			for j := range i {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					nodes[i].DependsOn = append(nodes[i].DependsOn, nodes[j].ID)
				}
			}
		}

		assert.Nil(rt, FindCycle(nodes))

		order, err := TopologicalOrder(nodes)
		require.NoError(rt, err)
		require.Len(rt, order, size)

		position := make(map[string]int, size)
		for i, id := range order {
			position[id] = i
		}

		for _, node := range nodes {
			for _, dep := range node.DependsOn {
				assert.Less(rt, position[dep], position[node.ID])
			}
		}

		for i := 1; i < size; i++ {
			nodes[i].DependsOn = append(nodes[i].DependsOn, nodes[i-1].ID)
		}

		nodes[0].DependsOn = append(nodes[0].DependsOn, nodes[size-1].ID)

		assert.NotNil(rt, FindCycle(nodes))

		_, err = TopologicalOrder(nodes)
		assert.ErrorIs(rt, err, ErrCycle)
	})
}
