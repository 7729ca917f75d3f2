package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"admission-engine/internal/handler/http/pathutil"
	"admission-engine/internal/handler/http/responsewriter"
	"admission-engine/internal/observability/metrics"
	"admission-engine/internal/observability/slo"
)

// Metrics returns middleware that records request count, latency and size.
// Paths are normalized so that identifier segments do not explode label
// cardinality. When tracker is non-nil every response also feeds the SLO
// tracker.
func Metrics(tracker *slo.Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			rw := responsewriter.Wrap(w)
			start := time.Now()
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			path := pathutil.NormalizePath(r.URL.Path)
			metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rw.StatusCode()), duration, rw.BytesWritten())
			if tracker != nil {
				tracker.Observe(rw.StatusCode(), duration)
			}
		})
	}
}

// MetricsHandler serves the metrics of every gatherer on one endpoint.
func MetricsHandler(gatherers ...prometheus.Gatherer) http.Handler {
	if len(gatherers) == 0 {
		gatherers = []prometheus.Gatherer{prometheus.DefaultGatherer}
	}
	return promhttp.HandlerFor(prometheus.Gatherers(gatherers), promhttp.HandlerOpts{})
}
