package web

import (
	"errors"
	"strconv"
	"time"

	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/dukex/sandflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func tooManyRequests(c fiber.Ctx, exceeded *resilience.RateLimitExceededError, now time.Time) error {
	retryAfter := exceeded.RetryAfter(now)
	seconds := int((retryAfter + time.Second - 1) / time.Second)

	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(exceeded.ResetAt.Unix(), 10))

	problem := problems.NewStatusProblem(429).
		WithInstance(c.Path()).
		WithType("rate_limited").
		WithDetail(exceeded.Error())

	return c.Status(fiber.StatusTooManyRequests).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsAgentNotFound(err):
		return notFound(c, "agent_not_found", "agent not found")

	case errors.Is(err, persistence.ErrRunNotFound):
		return notFound(c, "run_not_found", "run not found")

	case errors.Is(err, persistence.ErrAgentRunNotFound):
		return notFound(c, "agent_run_not_found", "agent run not found")

	default:
		return internalError(c, err)
	}
}
