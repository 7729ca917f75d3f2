// Package tracing provides OpenTelemetry tracing integration.
//
// Init installs the global tracer provider; Middleware starts a server span
// per HTTP request and returns its trace ID in the X-Trace-Id header. The
// limiter creates child spans for each admission check through the same
// global provider.
//
// Example usage:
//
//	import "admission-engine/internal/observability/tracing"
//
//	func main() {
//	    shutdown := tracing.Init(nil, 0.1)
//	    defer func() { _ = shutdown(context.Background()) }()
//	}
package tracing
