// Package metrics provides centralized Prometheus metrics for the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics track HTTP request patterns and performance
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPResponseSize measures HTTP response body size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks the number of in-flight HTTP requests
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_connections",
			Help: "Number of active HTTP connections",
		},
	)
)

// Engine metrics track the admission service around the limiter itself
var (
	// PolicyReloadsTotal counts policy file reloads by result
	PolicyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_reloads_total",
			Help: "Total number of policy file reloads",
		},
		[]string{"result"}, // result: success, failure
	)

	// PoliciesLoaded is the size of the active policy table
	PoliciesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policies_loaded",
			Help: "Number of rate limit policies currently loaded",
		},
	)

	// StorageBackend is 1 for the backend currently serving limiter state
	StorageBackend = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_storage_backend",
			Help: "Active limiter storage backend (1 = active)",
		},
		[]string{"backend"},
	)

	// MaintenanceDuration measures periodic store and monitor maintenance
	MaintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_duration_seconds",
			Help:    "Time taken by periodic maintenance tasks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"task"}, // task: store, monitor
	)

	// MaintenanceRemovedTotal counts entries removed by maintenance
	MaintenanceRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_removed_total",
			Help: "Total number of expired entries removed by maintenance",
		},
		[]string{"task"},
	)
)

// Alert metrics track outbound violation alert delivery
var (
	// AlertDeliveriesTotal counts alert deliveries by notifier and result
	AlertDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Total number of alert deliveries",
		},
		[]string{"notifier", "result"}, // result: success, failure
	)

	// CircuitState is the breaker state per alert endpoint
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alert_circuit_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"circuit"},
	)
)

// Database metrics track the remote state store connection pool
var (
	// DBConnectionsActive tracks active database connections
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// RecordHTTPRequest records an HTTP request with its metadata
func RecordHTTPRequest(method, path, status string, duration time.Duration, responseSize int) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())

	if responseSize > 0 {
		HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// UpdateDBConnectionStats updates database connection pool statistics.
func UpdateDBConnectionStats(active, idle int) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
