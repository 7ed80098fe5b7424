package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEWAY_LISTEN_ADDR", "GATEWAY_REDIS_URL", "GATEWAY_JWT_SECRET",
		"RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW_SECONDS", "TOKEN_BUCKET_CAPACITY",
		"TOKEN_BUCKET_REFILL_RATE", "CIRCUIT_FAILURE_THRESHOLD", "CIRCUIT_RECOVERY_TIMEOUT",
		"CIRCUIT_HALF_OPEN_REQUESTS", "UPSTREAM_TIMEOUT", "JWT_LEEWAY", "ACCESS_TOKEN_TTL",
		"LOG_LEVEL", "LOG_JSON",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadFailsWithoutRequiredSecrets(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_REDIS_URL", "redis://localhost:6379")
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.RateLimitRequests)
	assert.Equal(t, 60, cfg.RateLimitWindowSeconds)
	assert.Equal(t, 50, cfg.TokenBucketCapacity)
	assert.Equal(t, 10.0, cfg.TokenBucketRefillRate)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitRecoveryTimeout)
	assert.Equal(t, 3, cfg.CircuitHalfOpenRequests)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_REDIS_URL", "redis://localhost:6379")
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")
	t.Setenv("RATE_LIMIT_REQUESTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RateLimitRequests)
}
