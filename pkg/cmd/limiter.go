package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// NewRateLimiter shares rate limit windows through Redis when redisURL is
// set, and keeps them in process otherwise. The returned close function
// releases the Redis connection.
func NewRateLimiter(
	ctx context.Context,
	logger *slog.Logger,
	redisURL string,
	config resilience.LimiterConfig,
) (resilience.RateLimiter, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "Using in-memory rate limiter", "limit", config.Limit, "window", config.Window)

		return resilience.NewMemoryLimiter(config), func() error { return nil }, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.InfoContext(ctx, "Using Redis rate limiter", "addr", options.Addr, "limit", config.Limit, "window", config.Window)

	return resilience.NewRedisLimiter(client, config), client.Close, nil
}
