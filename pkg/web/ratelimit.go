package web

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/sandflow/pkg/otelhelper"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/gofiber/fiber/v3"
)

const clientKeyHeader = "X-Client-Key"

// RateLimit rejects requests beyond the limiter's window quota with 429
// before any handler runs. Requests are keyed on X-Client-Key, falling back
// to the client IP. When the limiter backend fails the request is let
// through and the failure logged.
func RateLimit(limiter resilience.RateLimiter, metrics *otelhelper.Metrics, logger *slog.Logger) fiber.Handler {
	logger = logger.With("module", "rate_limit")

	return func(c fiber.Ctx) error {
		key := c.Get(clientKeyHeader)
		if key == "" {
			key = c.IP()
		}

		decision, err := limiter.Allow(c.Context(), key)

		var exceeded *resilience.RateLimitExceededError
		if errors.As(err, &exceeded) {
			metrics.RateLimited(c.Context(), c.Route().Path)
			logger.WarnContext(c.Context(), "Request rate limited", "key", key, "path", c.Path())

			return tooManyRequests(c, exceeded, time.Now())
		}

		if err != nil {
			logger.ErrorContext(c.Context(), "Rate limiter unavailable", "key", key, "error", err)

			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		return c.Next()
	}
}
