package ratelimit

import "time"

// NoOpRateLimitMetrics implements the RateLimitMetrics interface with no-op implementations.
//
// This implementation is useful for:
// - Testing environments where metrics are not needed
// - Embedding the limiter in programs that do not expose metrics
// - Benchmarking limiter performance without metrics overhead
type NoOpRateLimitMetrics struct{}

// NewNoOpRateLimitMetrics creates a new NoOpRateLimitMetrics instance.
func NewNoOpRateLimitMetrics() *NoOpRateLimitMetrics {
	return &NoOpRateLimitMetrics{}
}

// RecordAllowed is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordAllowed(algorithm Algorithm, endpoint string) {}

// RecordDenied is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordDenied(algorithm Algorithm, endpoint string) {}

// RecordCheckDuration is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordCheckDuration(algorithm Algorithm, duration time.Duration) {}

// SetActiveKeys is a no-op implementation.
func (m *NoOpRateLimitMetrics) SetActiveKeys(count int) {}

// RecordEviction is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordEviction(reason string, count int) {}

// RecordStorageFallback is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordStorageFallback() {}

// RecordDroppedEvent is a no-op implementation.
func (m *NoOpRateLimitMetrics) RecordDroppedEvent() {}
