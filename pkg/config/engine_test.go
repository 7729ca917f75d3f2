package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"admission-engine/pkg/monitor"
	"admission-engine/pkg/ratelimit"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "policies.yaml", cfg.PolicyFile)
	assert.True(t, cfg.WatchPolicies)
	assert.Equal(t, 100000, cfg.MaxKeys)
	assert.Equal(t, ratelimit.DefaultCleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, ratelimit.DefaultFallbackTimeout, cfg.FallbackTimeout)
	assert.Equal(t, ratelimit.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, ratelimit.DefaultObserverQueueSize, cfg.ObserverQueueSize)
	assert.Nil(t, cfg.TrustedProxies)
	assert.Equal(t, 0.1, cfg.TraceSampleRatio)
	assert.Empty(t, cfg.KeyHeader, "callers are identified by client IP unless a header is configured")
	assert.Equal(t, []string{"127.0.0.0/8", "::1/128"}, cfg.AdminAllowedClients)
	assert.True(t, cfg.Alerts.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Alerts.Timeout)
	assert.Equal(t, monitor.DefaultConfig(), cfg.Monitor)
}

func TestLoadEngineConfig_FromEnvironment(t *testing.T) {
	t.Setenv("LIMITERD_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://limiter@db/limiter")
	t.Setenv("RATELIMIT_POLICY_FILE", "/etc/limiterd/policies.yaml")
	t.Setenv("RATELIMIT_POLICY_WATCH", "false")
	t.Setenv("RATELIMIT_MAX_KEYS", "5000")
	t.Setenv("RATELIMIT_FALLBACK_TIMEOUT", "20ms")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,192.168.0.0/16")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/T000")
	t.Setenv("RATELIMIT_KEY_HEADER", "X-Tenant-ID")
	t.Setenv("ADMIN_ALLOWED_CIDRS", "10.1.0.0/16")
	t.Setenv("ALERTS_ENABLED", "false")
	t.Setenv("MONITOR_BURST_THRESHOLD", "8")
	t.Setenv("MONITOR_HIGH_RATE_THRESHOLD", "0.8")
	t.Setenv("MONITOR_PERFORMANCE_TRACKING", "false")

	cfg := LoadEngineConfig()

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "postgres://limiter@db/limiter", cfg.DatabaseURL)
	assert.Equal(t, "/etc/limiterd/policies.yaml", cfg.PolicyFile)
	assert.False(t, cfg.WatchPolicies)
	assert.Equal(t, 5000, cfg.MaxKeys)
	assert.Equal(t, 20*time.Millisecond, cfg.FallbackTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.TrustedProxies)
	assert.Equal(t, "https://hooks.slack.test/T000", cfg.Alerts.SlackURL)
	assert.Equal(t, "X-Tenant-ID", cfg.KeyHeader)
	assert.Equal(t, []string{"10.1.0.0/16"}, cfg.AdminAllowedClients)
	assert.False(t, cfg.Alerts.Enabled)
	assert.Equal(t, 8, cfg.Monitor.BurstThreshold)
	assert.Equal(t, 0.8, cfg.Monitor.HighRateThreshold)
	assert.False(t, cfg.Monitor.PerformanceTracking)
}

func TestLoadEngineConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RATELIMIT_MAX_KEYS", "-1")
	t.Setenv("RATELIMIT_CLEANUP_INTERVAL", "0s")
	t.Setenv("RATELIMIT_FALLBACK_TIMEOUT", "1m")
	t.Setenv("TRACE_SAMPLE_RATIO", "2")
	t.Setenv("MONITOR_BURST_WINDOW", "-5s")
	t.Setenv("MONITOR_HIGH_RATE_THRESHOLD", "0")

	cfg := LoadEngineConfig()

	assert.Equal(t, 100000, cfg.MaxKeys)
	assert.Equal(t, ratelimit.DefaultCleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, ratelimit.DefaultFallbackTimeout, cfg.FallbackTimeout)
	assert.Equal(t, 0.1, cfg.TraceSampleRatio)
	assert.Equal(t, 10*time.Second, cfg.Monitor.BurstWindow)
	assert.Equal(t, 0.5, cfg.Monitor.HighRateThreshold)
}

func TestGetEnvPositive(t *testing.T) {
	t.Setenv("TEST_POSITIVE_INT", "0")
	t.Setenv("TEST_POSITIVE_DURATION", "-3s")
	assert.Equal(t, 7, GetEnvPositiveInt("TEST_POSITIVE_INT", 7))
	assert.Equal(t, time.Second, GetEnvPositiveDuration("TEST_POSITIVE_DURATION", time.Second))

	t.Setenv("TEST_POSITIVE_INT", "12")
	t.Setenv("TEST_POSITIVE_DURATION", "250ms")
	assert.Equal(t, 12, GetEnvPositiveInt("TEST_POSITIVE_INT", 7))
	assert.Equal(t, 250*time.Millisecond, GetEnvPositiveDuration("TEST_POSITIVE_DURATION", time.Second))
}
