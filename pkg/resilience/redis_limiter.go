package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares fixed-window counters between API replicas.
type RedisLimiter struct {
	client redis.Cmdable
	config LimiterConfig
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Cmdable, config LimiterConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		config: config.withDefaults(),
		prefix: "ratelimit",
		now:    time.Now,
	}
}

// WithClock replaces time.Now, used by tests.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now

	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	windowStart := l.now().Truncate(l.config.Window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowStart.Unix())

	var incr *redis.IntCmd

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.config.Window)

		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return decide(key, l.config, incr.Val(), windowStart)
}
