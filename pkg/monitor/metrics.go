package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics records monitor activity.
type Metrics interface {
	// RecordViolation records one violation of the given type.
	RecordViolation(violationType string)

	// RecordAlert records a raised alert.
	RecordAlert(alertType AlertType, severity Severity)

	// RecordDroppedAlert records an alert that could not be queued for the notifier.
	RecordDroppedAlert()
}

// NoOpMetrics discards all metrics.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordViolation(string) {}
func (NoOpMetrics) RecordAlert(AlertType, Severity) {}
func (NoOpMetrics) RecordDroppedAlert() {}

// PrometheusMetrics implements Metrics using Prometheus.
type PrometheusMetrics struct {
	violationsTotal *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec
	droppedAlerts   prometheus.Counter
}

// NewPrometheusMetrics registers the monitor metrics on registry.
//
// It panics if the metrics are already registered there, like MustRegister.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_violations_total",
				Help: "Total rate limit violations by type",
			},
			[]string{"type"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_alerts_total",
				Help: "Total abuse alerts by type and severity",
			},
			[]string{"type", "severity"},
		),
		droppedAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_dropped_alerts_total",
				Help: "Total alerts dropped because the notifier queue was full",
			},
		),
	}
	registry.MustRegister(m.violationsTotal, m.alertsTotal, m.droppedAlerts)
	return m
}

func (m *PrometheusMetrics) RecordViolation(violationType string) {
	m.violationsTotal.WithLabelValues(violationType).Inc()
}

func (m *PrometheusMetrics) RecordAlert(alertType AlertType, severity Severity) {
	m.alertsTotal.WithLabelValues(string(alertType), string(severity)).Inc()
}

func (m *PrometheusMetrics) RecordDroppedAlert() {
	m.droppedAlerts.Inc()
}
