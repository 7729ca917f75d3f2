// Package metrics provides Prometheus metrics registry and recording utilities.
//
// This package centralizes the service-level metrics of limiterd:
//   - HTTP request metrics (duration, count, size)
//   - Policy reloads and the active storage backend
//   - Maintenance passes over the state store and the violation monitor
//   - Database connection pool metrics
//
// Limiter and monitor metrics live with their packages and are registered
// on the same registry by cmd/limiterd. Everything here registers with the
// Prometheus default registry and is exposed via the /metrics endpoint.
//
// Example usage:
//
//	import "admission-engine/internal/observability/metrics"
//
//	func reload(path string) {
//	    policies, err := config.LoadPolicies(path)
//	    metrics.RecordPolicyReload(err == nil, len(policies))
//	}
package metrics
