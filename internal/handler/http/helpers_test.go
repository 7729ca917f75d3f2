package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"admission-engine/pkg/monitor"
	"admission-engine/pkg/ratelimit"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

// newTestLimiter returns a limiter with policy "api" (fixed window, 2 per
// minute) and policy "bucket" (token bucket of 3).
func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	registry := ratelimit.NewPolicyRegistry()
	fixed, err := ratelimit.NewFixedWindow(time.Minute, 2)
	require.NoError(t, err)
	require.NoError(t, registry.Set("api", fixed))
	bucket, err := ratelimit.NewTokenBucket(3, 1, 1)
	require.NoError(t, err)
	require.NoError(t, registry.Set("bucket", bucket))

	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Policies: registry,
		Clock:    stubClock{now: testNow},
	})
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

type stubStats struct {
	stats monitor.RateLimitStats
	perf  monitor.PerformanceStats
}

func (s stubStats) GetStats() monitor.RateLimitStats { return s.stats }

func (s stubStats) GetPerformanceStats() monitor.PerformanceStats { return s.perf }
