// Package graph validates workflow DAGs and answers ordering questions about them.
package graph

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/template"
	"github.com/dukex/sandflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func structs() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})

	return structValidator
}

// Validate checks a workflow before it is persisted. agents maps agent ids to
// their registrations; a nil map skips agent checks.
func Validate(workflow *models.Workflow, agents map[string]*models.Agent) error {
	if workflow == nil {
		return &ValidationError{Problems: []Problem{{Err: ErrInvalidWorkflow, Message: "workflow is nil"}}}
	}

	verr := &ValidationError{WorkflowID: workflow.ID}

	if len(workflow.Nodes) == 0 {
		verr.add("", ErrEmptyWorkflow, "workflow must have at least one node")

		return verr
	}

	if err := structs().Struct(workflow); err != nil {
		verr.add("", ErrInvalidWorkflow, "%v", err)
	}

	validateTrigger(workflow.Trigger, verr)

	ids := make(map[string]*models.Node, len(workflow.Nodes))

	for _, node := range workflow.Nodes {
		if node == nil {
			verr.add("", ErrInvalidWorkflow, "nil node")

			continue
		}

		if !nodeIDPattern.MatchString(node.ID) || node.ID == template.RootContext {
			verr.add(node.ID, ErrInvalidNodeID, "id must match %s and must not be %q", nodeIDPattern, template.RootContext)
		}

		if _, exists := ids[node.ID]; exists {
			verr.add(node.ID, ErrDuplicateNode, "duplicate node id")

			continue
		}

		ids[node.ID] = node
	}

	for _, node := range workflow.Nodes {
		if node == nil {
			continue
		}

		for _, dep := range node.DependsOn {
			if _, ok := ids[dep]; !ok {
				verr.add(node.ID, ErrDanglingDependency, "depends on unknown node %q", dep)
			}
		}

		for _, ref := range template.References(node.InputTemplate) {
			if !slices.Contains(node.DependsOn, ref) {
				verr.add(node.ID, ErrUndeclaredReference, "input template references %q which is not in depends_on", ref)
			}
		}

		if agents != nil {
			validateAgent(node, agents, verr)
		}
	}

	if cycle := FindCycle(workflow.Nodes); cycle != nil {
		verr.add(cycle[0], ErrCycle, "cycle %s", strings.Join(cycle, " -> "))
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	return nil
}

func validateTrigger(spec models.Trigger, verr *ValidationError) {
	switch spec.Kind {
	case models.TriggerKindManual:
	case models.TriggerKindEvent:
		if strings.TrimSpace(spec.Pattern) == "" {
			verr.add("", ErrInvalidTrigger, "event trigger requires a pattern")
		} else if err := trigger.ValidatePattern(spec.Pattern); err != nil {
			verr.add("", ErrInvalidTrigger, "invalid event pattern %q", spec.Pattern)
		}
	case models.TriggerKindSchedule:
		if _, err := cron.ParseStandard(spec.Schedule); err != nil {
			verr.add("", ErrInvalidTrigger, "invalid cron expression %q: %v", spec.Schedule, err)
		}
	default:
		verr.add("", ErrInvalidTrigger, "unknown trigger kind %q", spec.Kind)
	}
}

func validateAgent(node *models.Node, agents map[string]*models.Agent, verr *ValidationError) {
	agent, ok := agents[node.AgentID]
	if !ok || agent == nil {
		verr.add(node.ID, ErrUnknownAgent, "unknown agent %q", node.AgentID)

		return
	}

	if !agent.Active {
		verr.add(node.ID, ErrInactiveAgent, "agent %q is inactive", node.AgentID)
	}

	if !agent.SupportsAction(node.Action) {
		verr.add(node.ID, ErrUnknownAction, "agent %q does not support action %q", node.AgentID, node.Action)
	}
}

// FindCycle returns the node ids forming the first dependency cycle found, or
// nil when the depends_on relation is acyclic. Unknown dependencies are ignored.
func FindCycle(nodes []*models.Node) []string {
	const (
		unvisited = iota
		onStack
		done
	)

	index := indexNodes(nodes)
	state := make(map[string]int, len(index))
	stack := make([]string, 0, len(index))

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case done:
			return nil
		case onStack:
			start := slices.Index(stack, id)
			cycle := append(slices.Clone(stack[start:]), id)

			return cycle
		}

		state[id] = onStack
		stack = append(stack, id)

		for _, dep := range index[id].DependsOn {
			if _, ok := index[dep]; !ok {
				continue
			}

			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done

		return nil
	}

	for _, node := range nodes {
		if node == nil {
			continue
		}

		if cycle := visit(node.ID); cycle != nil {
			return cycle
		}
	}

	return nil
}

// TopologicalOrder returns node ids so that every node follows its dependencies.
// Ties keep declaration order.
func TopologicalOrder(nodes []*models.Node) ([]string, error) {
	index := indexNodes(nodes)
	indegree := make(map[string]int, len(index))

	for id, node := range index {
		for _, dep := range node.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrDanglingDependency, id, dep)
			}
		}

		indegree[id] = len(uniq(node.DependsOn))
	}

	dependents := Dependents(nodes)
	order := make([]string, 0, len(index))

	queue := make([]string, 0, len(index))
	for _, node := range nodes {
		if node != nil && indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, child := range dependents[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(index) {
		return nil, ErrCycle
	}

	return order, nil
}

// Dependents inverts depends_on: parent id -> child ids in declaration order.
func Dependents(nodes []*models.Node) map[string][]string {
	dependents := make(map[string][]string, len(nodes))

	for _, node := range nodes {
		if node == nil {
			continue
		}

		for _, dep := range uniq(node.DependsOn) {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	return dependents
}

func indexNodes(nodes []*models.Node) map[string]*models.Node {
	index := make(map[string]*models.Node, len(nodes))

	for _, node := range nodes {
		if node == nil {
			continue
		}

		if _, exists := index[node.ID]; !exists {
			index[node.ID] = node
		}
	}

	return index
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
