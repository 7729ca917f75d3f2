// Package observability groups the service-level observability of limiterd.
//
// Subpackages:
//   - logging: slog setup (LOG_LEVEL, LOG_FORMAT) and context helpers
//   - metrics: HTTP, policy reload, maintenance and DB pool metrics
//   - tracing: OpenTelemetry provider setup and HTTP server spans
//   - slo: SLO targets and the tracker that publishes them
//
// The limiter and the violation monitor carry their own Prometheus
// collectors; cmd/limiterd registers them next to these.
package observability
