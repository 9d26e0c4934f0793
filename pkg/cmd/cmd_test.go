package cmd

import (
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/sandflow/pkg/channels/kafka"
	"github.com/dukex/sandflow/pkg/persistence/file"
	"github.com/dukex/sandflow/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	store, err := NewPersistence(t.Context(), logger, "file://"+dir)
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	require.NoError(t, store.HealthCheck(t.Context()))

	store, err = NewPersistence(t.Context(), logger, dir)
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)

	_, err = NewPersistence(t.Context(), logger, "file://")
	require.Error(t, err)

	_, err = NewPersistence(t.Context(), logger, "mongodb://localhost")
	require.Error(t, err)
}

func TestNewEventBus(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	bus, err := NewEventBus("gochannel", "", logger)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("kafka", " , ", logger)
	require.ErrorIs(t, err, kafka.ErrNoBrokers)

	_, err = NewEventBus("rabbitmq", "", logger)
	require.Error(t, err)
}

func TestNewRateLimiter(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	config := resilience.LimiterConfig{Limit: 1, Window: time.Minute}

	limiter, closeFn, err := NewRateLimiter(t.Context(), logger, "", config)
	require.NoError(t, err)
	assert.IsType(t, &resilience.MemoryLimiter{}, limiter)
	require.NoError(t, closeFn())

	server := miniredis.RunT(t)

	limiter, closeFn, err = NewRateLimiter(t.Context(), logger, "redis://"+server.Addr(), config)
	require.NoError(t, err)
	assert.IsType(t, &resilience.RedisLimiter{}, limiter)

	t.Cleanup(func() { _ = closeFn() })

	_, err = limiter.Allow(t.Context(), "client")
	require.NoError(t, err)

	_, err = limiter.Allow(t.Context(), "client")
	require.ErrorIs(t, err, resilience.ErrRateLimitExceeded)

	_, _, err = NewRateLimiter(t.Context(), logger, "not a url", config)
	require.Error(t, err)
}
