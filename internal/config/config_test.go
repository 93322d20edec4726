package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnstilehq/turnstile/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 1.2, cfg.ReserveHeadroom)
	assert.Equal(t, int64(1024), cfg.DefaultMaxOutputTokens)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RESERVE_HEADROOM", "1.5")
	t.Setenv("DEFAULT_DAILY_SPEND_LIMIT", "25")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, 1.5, cfg.ReserveHeadroom)
	assert.Equal(t, 25.0, cfg.DefaultDailySpendLimit)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:           "mongo",
		ReserveHeadroom:        0.5,
		DefaultMaxOutputTokens: 0,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
	assert.Contains(t, err.Error(), "RESERVE_HEADROOM")
	assert.Contains(t, err.Error(), "DEFAULT_MAX_OUTPUT_TOKENS")
}

func TestValidate_RedisBackendNeedsAddr(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:           config.BackendRedis,
		ReserveHeadroom:        1.2,
		DefaultMaxOutputTokens: 512,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}
