package web

import "github.com/gofiber/fiber/v3"

// Register mounts the API routes on router. Mutating routes go through limit,
// passed after the handler because fiber runs trailing handlers first.
func (h *APIHandlers) Register(router fiber.Router, limit fiber.Handler) {
	router.Get("/health", h.HealthCheck)

	a := router.Group("/agents")
	a.Get("/", h.GetAgents)
	a.Post("/", h.RegisterAgent, limit)
	a.Get("/:id", h.GetAgent)
	a.Post("/:id/deactivate", h.DeactivateAgent, limit)

	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow, limit)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.UpdateWorkflow, limit)
	w.Delete("/:id", h.DeleteWorkflow, limit)
	w.Post("/:id/status", h.SetWorkflowStatus, limit)
	w.Post("/:id/trigger", h.TriggerWorkflow, limit)
	w.Get("/:id/runs", h.GetRuns)
	w.Get("/:id/runs/:runId", h.GetRun)
	w.Post("/:id/runs/:runId/cancel", h.CancelRun, limit)

	r := router.Group("/agent-runs")
	r.Post("/:id/approve", h.ApproveAgentRun, limit)
	r.Post("/:id/reject", h.RejectAgentRun, limit)
}
