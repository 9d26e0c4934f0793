package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/sandflow/pkg/approval"
	"github.com/dukex/sandflow/pkg/channels/gochannel"
	"github.com/dukex/sandflow/pkg/eventbus"
	"github.com/dukex/sandflow/pkg/events"
	"github.com/dukex/sandflow/pkg/executor"
	"github.com/dukex/sandflow/pkg/models"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/persistence/file"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/sandbox"
	"github.com/dukex/sandflow/pkg/scheduler"
	"github.com/dukex/sandflow/pkg/services"
	"github.com/dukex/sandflow/pkg/trigger"
	"github.com/dukex/sandflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	app   *fiber.App
	store persistence.Persistence
	bus   eventbus.EventBus
}

// newStack wires the API the way main does, against an in-process sandbox
// service and event bus.
func newStack(t *testing.T) *stack {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	sandboxServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sandbox.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		output := map[string]any{"received": req.Input}
		if req.Action == "scan" {
			output["issues"] = 3
		}

		_ = json.NewEncoder(w).Encode(sandbox.Result{Output: output})
	}))
	t.Cleanup(sandboxServer.Close)

	store := file.NewPersistence(t.TempDir())
	pubSub := gochannel.CreateTestChannel(logger)
	bus := eventbus.NewWatermillEventBus(pubSub, pubSub, logger)

	breaker := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(), logger)
	exec := executor.New(sandbox.NewHTTPRunner(sandboxServer.URL, nil, logger), breaker, logger)
	sched := scheduler.New(store, exec, logger, scheduler.WithPublisher(bus))
	gate := approval.NewGate(store.RunRepository(), sched, logger, approval.WithPublisher(bus))
	listener := trigger.NewListener(store.WorkflowRepository(), sched, logger)

	require.NoError(t, listener.Register(bus))

	api := NewAPI(logger, store, sched, gate, listener, bus, resilience.NewMemoryLimiter(resilience.LimiterConfig{}), nil)

	t.Cleanup(func() {
		sched.Wait()
		_ = bus.Close()
	})

	return &stack{app: api.App(), store: store, bus: bus}
}

func (s *stack) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func (s *stack) setup(t *testing.T, workflowTrigger models.Trigger) *models.Workflow {
	t.Helper()

	status, body := s.do(t, http.MethodPost, "/agents", web.RegisterAgentRequest{
		Name:       "security",
		Entrypoint: "registry.local/security:1",
		RiskLevel:  models.RiskLevelAuto,
		Actions:    []string{"scan", "notify"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var agent models.Agent
	require.NoError(t, json.Unmarshal(body, &agent))

	status, body = s.do(t, http.MethodPost, "/workflows", web.WorkflowRequest{
		Name:    "Scan then notify",
		Trigger: workflowTrigger,
		Nodes: []*models.Node{
			{ID: "scan", AgentID: agent.ID, Action: "scan", InputTemplate: map[string]any{"path": "{{context.repositoryPath}}"}},
			{
				ID: "notify", AgentID: agent.ID, Action: "notify", DependsOn: []string{"scan"},
				InputTemplate: map[string]any{"message": "found {{scan.output.issues}} issues", "count": "{{scan.output.issues}}"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var workflow models.Workflow
	require.NoError(t, json.Unmarshal(body, &workflow))

	return &workflow
}

func TestAPI_RootAndProbes(t *testing.T) {
	s := newStack(t)

	status, body := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Sandflow API", string(body))

	status, _ = s.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_ManualTriggerEndToEnd(t *testing.T) {
	s := newStack(t)

	var succeeded atomic.Int32

	require.NoError(t, s.bus.Handle(events.RunSucceededEvent, func(context.Context, any) error {
		succeeded.Add(1)

		return nil
	}))
	require.NoError(t, s.bus.Subscribe(t.Context()))

	workflow := s.setup(t, models.Trigger{Kind: models.TriggerKindManual})

	status, body := s.do(t, http.MethodPost, "/workflows/"+workflow.ID+"/trigger",
		web.TriggerRequest{Context: map[string]any{"repositoryPath": "/src/sandflow"}})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var accepted web.TriggerResponse
	require.NoError(t, json.Unmarshal(body, &accepted))

	var details services.RunDetails

	require.Eventually(t, func() bool {
		status, body := s.do(t, http.MethodGet, "/workflows/"+workflow.ID+"/runs/"+accepted.RunID, nil)
		details = services.RunDetails{}

		return status == http.StatusOK && json.Unmarshal(body, &details) == nil &&
			details.Run.Status == models.RunStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	byNode := map[string]*models.AgentRun{}
	for _, agentRun := range details.AgentRuns {
		byNode[agentRun.NodeID] = agentRun
	}

	assert.Equal(t, "/src/sandflow", byNode["scan"].ResolvedInput["path"])
	assert.Equal(t, "found 3 issues", byNode["notify"].ResolvedInput["message"])
	assert.InDelta(t, 3, byNode["notify"].ResolvedInput["count"], 0)

	assert.Eventually(t, func() bool { return succeeded.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestAPI_ExternalEventStartsRun(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.bus.Subscribe(t.Context()))

	workflow := s.setup(t, models.Trigger{Kind: models.TriggerKindEvent, Pattern: "repo.*.push"})

	event := events.NewExternalEvent("delivery-1", "repo.sandflow.push", map[string]any{"repositoryPath": "/src/app"})
	require.NoError(t, s.bus.Publish(t.Context(), event.Subject, event))
	require.NoError(t, s.bus.Publish(t.Context(), event.Subject, event))

	require.Eventually(t, func() bool {
		runs, err := s.store.RunRepository().ListRuns(t.Context(), persistence.ListRunsOptions{
			WorkflowID: workflow.ID,
			Statuses:   []models.RunStatus{models.RunStatusSuccess},
		})

		return err == nil && len(runs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	runs, err := s.store.RunRepository().ListRuns(t.Context(), persistence.ListRunsOptions{WorkflowID: workflow.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.TriggerKindEvent, runs[0].Trigger.Kind)
	assert.Equal(t, "/src/app", runs[0].Context["repositoryPath"])
}

func TestAPI_EventIngest(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.bus.Subscribe(t.Context()))

	workflow := s.setup(t, models.Trigger{Kind: models.TriggerKindEvent, Pattern: "repo.>"})

	send := func(subject, eventID, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/events/"+subject, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")

		if eventID != "" {
			req.Header.Set("X-Event-ID", eventID)
		}

		resp, err := s.app.Test(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, send("repo.*", "", `{}`))
	assert.Equal(t, http.StatusBadRequest, send("repo.app.push", "", `[1, 2]`))

	assert.Equal(t, http.StatusAccepted, send("repo.app.push", "hook-7", `{"repositoryPath": "/src/hook"}`))
	assert.Equal(t, http.StatusAccepted, send("repo.app.push", "hook-7", `{"repositoryPath": "/src/hook"}`))

	require.Eventually(t, func() bool {
		runs, err := s.store.RunRepository().ListRuns(t.Context(), persistence.ListRunsOptions{
			WorkflowID: workflow.ID,
			Statuses:   []models.RunStatus{models.RunStatusSuccess},
		})

		return err == nil && len(runs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	runs, err := s.store.RunRepository().ListRuns(t.Context(), persistence.ListRunsOptions{WorkflowID: workflow.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "/src/hook", runs[0].Context["repositoryPath"])
}
