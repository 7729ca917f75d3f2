package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the RateLimitMetrics interface using Prometheus.
//
// All metrics use a custom registry for better testability and isolation.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// checksTotal counts admission checks.
	// Labels:
	//   - algorithm: "fixed_window", "sliding_window", "token_bucket", "leaky_bucket"
	//   - status: "allowed" or "denied"
	//   - endpoint: endpoint passed with WithEndpoint, empty if none
	checksTotal *prometheus.CounterVec

	// checkDuration tracks the duration of admission checks.
	//
	// Buckets are tuned for in-memory checks (sub-millisecond) while still
	// resolving remote-store round trips:
	// - 50us, 100us, 250us, 500us (memory store)
	// - 1ms, 2.5ms, 5ms, 10ms, 25ms, 50ms (remote store)
	// - 100ms (fallback timeout exceeded)
	checkDuration *prometheus.HistogramVec

	activeKeys       prometheus.Gauge
	evictionsTotal   *prometheus.CounterVec
	storageFallbacks prometheus.Counter
	droppedEvents    prometheus.Counter
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance with a custom registry.
//
// Using a custom registry (instead of the global prometheus.DefaultRegisterer) provides:
// - Better testability (isolated metrics per test)
// - No metric conflicts when running multiple instances
// - Explicit metric lifecycle management
//
// The registry can be passed to promhttp.HandlerFor() to expose metrics.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(prometheus.NewRegistry())
}

// NewPrometheusMetricsWithRegistry registers the limiter metrics on registry.
//
// It panics if the metrics are already registered there, like MustRegister.
func NewPrometheusMetricsWithRegistry(registry *prometheus.Registry) *PrometheusMetrics {
	checksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_checks_total",
			Help: "Total admission checks by algorithm, status and endpoint",
		},
		[]string{"algorithm", "status", "endpoint"},
	)

	checkDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_check_duration_seconds",
			Help:    "Duration of admission checks",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"algorithm"},
	)

	activeKeys := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_active_keys",
			Help: "Current number of keys held by the limiter store",
		},
	)

	evictionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_evictions_total",
			Help: "Total keys evicted from the memory store by reason (lru or idle)",
		},
		[]string{"reason"},
	)

	storageFallbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_storage_fallback_total",
			Help: "Times the limiter switched from the remote store to memory",
		},
	)

	droppedEvents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_dropped_events_total",
			Help: "Admission outcomes dropped because the observer queue was full",
		},
	)

	registry.MustRegister(
		checksTotal,
		checkDuration,
		activeKeys,
		evictionsTotal,
		storageFallbacks,
		droppedEvents,
	)

	return &PrometheusMetrics{
		registry:         registry,
		checksTotal:      checksTotal,
		checkDuration:    checkDuration,
		activeKeys:       activeKeys,
		evictionsTotal:   evictionsTotal,
		storageFallbacks: storageFallbacks,
		droppedEvents:    droppedEvents,
	}
}

// Registry returns the Prometheus registry containing all limiter metrics.
//
// This can be used with promhttp.HandlerFor() to expose metrics:
//
//	metrics := NewPrometheusMetrics()
//	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordAllowed records a check that admitted the request.
func (m *PrometheusMetrics) RecordAllowed(algorithm Algorithm, endpoint string) {
	m.checksTotal.WithLabelValues(string(algorithm), "allowed", endpoint).Inc()
}

// RecordDenied records a check that rejected the request.
func (m *PrometheusMetrics) RecordDenied(algorithm Algorithm, endpoint string) {
	m.checksTotal.WithLabelValues(string(algorithm), "denied", endpoint).Inc()
}

// RecordCheckDuration records the duration of an admission check.
func (m *PrometheusMetrics) RecordCheckDuration(algorithm Algorithm, duration time.Duration) {
	m.checkDuration.WithLabelValues(string(algorithm)).Observe(duration.Seconds())
}

// SetActiveKeys records the current number of keys in the store.
//
// This metric is useful for alerting before MaxKeys is reached and LRU
// eviction starts resetting budgets.
func (m *PrometheusMetrics) SetActiveKeys(count int) {
	m.activeKeys.Set(float64(count))
}

// RecordEviction records that keys were removed from the memory store.
//
// High "lru" eviction rates may indicate:
// - DoS attack with many unique identifiers
// - Need to increase max keys configuration
func (m *PrometheusMetrics) RecordEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	m.evictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordStorageFallback records a switch from the remote store to memory.
func (m *PrometheusMetrics) RecordStorageFallback() {
	m.storageFallbacks.Inc()
}

// RecordDroppedEvent records an outcome the observer never received.
func (m *PrometheusMetrics) RecordDroppedEvent() {
	m.droppedEvents.Inc()
}
