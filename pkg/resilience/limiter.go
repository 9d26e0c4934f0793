package resilience

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter admits at most Limit requests per key in each fixed window.
// A denied request returns a *RateLimitExceededError alongside the decision.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LimiterConfig configures a fixed-window limiter.
type LimiterConfig struct {
	Limit  int
	Window time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.Limit <= 0 {
		c.Limit = DefaultRateLimit
	}

	if c.Window <= 0 {
		c.Window = DefaultRateWindow
	}

	return c
}

func decide(key string, config LimiterConfig, count int64, windowStart time.Time) (Decision, error) {
	decision := Decision{
		Allowed: count <= int64(config.Limit),
		Limit:   config.Limit,
		ResetAt: windowStart.Add(config.Window),
	}

	if decision.Allowed {
		decision.Remaining = config.Limit - int(count)

		return decision, nil
	}

	return decision, &RateLimitExceededError{Key: key, Limit: config.Limit, ResetAt: decision.ResetAt}
}

// MemoryLimiter keeps per-key counters for the current window in process.
type MemoryLimiter struct {
	config LimiterConfig
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	counts      map[string]int64
}

func NewMemoryLimiter(config LimiterConfig) *MemoryLimiter {
	return &MemoryLimiter{
		config: config.withDefaults(),
		now:    time.Now,
		counts: make(map[string]int64),
	}
}

// WithClock replaces time.Now, used by tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now

	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Truncate(l.config.Window)
	if !windowStart.Equal(l.windowStart) {
		l.windowStart = windowStart
		l.counts = make(map[string]int64)
	}

	count := l.counts[key]
	if count <= int64(l.config.Limit) {
		count++
		l.counts[key] = count
	}

	return decide(key, l.config, count, windowStart)
}
