package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hiroki-koketsu/planner/internal/config"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

// unreachableRedis refuses connections immediately.
const unreachableRedis = "127.0.0.1:1"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		cfg := config.Default()
		cfg.Redis.Addr = unreachableRedis

		client, err := connectRedis(ctx, cfg, quietLogger())
		require.NoError(t, err)
		assert.Nil(t, client)
	})

	t.Run("rate limiter falls back to memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Redis.Addr = unreachableRedis
		cfg.RateLimit.Backend = "redis"

		client, err := connectRedis(ctx, cfg, quietLogger())
		require.NoError(t, err)
		assert.Nil(t, client)
		assert.Equal(t, "memory", cfg.RateLimit.Backend)

		metrics, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"), func(context.Context) (int64, error) { return 0, nil })
		require.NoError(t, err)
		throttles, err := newThrottles(cfg.RateLimit, client, quietLogger(), metrics)
		require.NoError(t, err)
		assert.NotNil(t, throttles.Anon)
		assert.NotNil(t, throttles.User)
	})

	t.Run("blacklist requires redis", func(t *testing.T) {
		cfg := config.Default()
		cfg.Redis.Addr = unreachableRedis
		cfg.Auth.BlacklistBackend = "redis"
		cfg.RateLimit.Backend = "redis"

		client, err := connectRedis(ctx, cfg, quietLogger())
		require.Error(t, err)
		assert.Nil(t, client)
		assert.Equal(t, "redis", cfg.RateLimit.Backend)
	})
}
