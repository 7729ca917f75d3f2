// Package slo tracks the admission API against its service level objectives.
package slo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Objective names, used as the "objective" label.
const (
	ObjectiveAvailability = "availability"
	ObjectiveErrorRate    = "error_rate"
	ObjectiveLatencyP95   = "latency_p95"
	ObjectiveLatencyP99   = "latency_p99"
)

// SLO targets for the admission API. A check sits in front of every
// protected request, so the latency budget is tight.
const (
	// AvailabilitySLO is the target percentage of non-5xx responses.
	AvailabilitySLO = 99.9

	// LatencyP95SLO is the p95 target in seconds.
	LatencyP95SLO = 0.025

	// LatencyP99SLO is the p99 target in seconds.
	LatencyP99SLO = 0.100

	// ErrorRateSLO is the maximum 5xx ratio.
	ErrorRateSLO = 0.001
)

var (
	// Current holds the value of each objective over the last flushed period.
	// Ratios are 0-1, latencies are seconds.
	Current = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slo_current",
			Help: "Value of each SLO objective over the last period",
		},
		[]string{"objective"},
	)

	// Target exposes the configured objectives next to Current.
	Target = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slo_target",
			Help: "Target of each SLO objective",
		},
		[]string{"objective"},
	)

	// Missed counts periods in which an objective was not met.
	Missed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slo_periods_missed_total",
			Help: "Number of flushed periods that missed an SLO objective",
		},
		[]string{"objective"},
	)
)

func init() {
	Target.WithLabelValues(ObjectiveAvailability).Set(AvailabilitySLO / 100)
	Target.WithLabelValues(ObjectiveErrorRate).Set(ErrorRateSLO)
	Target.WithLabelValues(ObjectiveLatencyP95).Set(LatencyP95SLO)
	Target.WithLabelValues(ObjectiveLatencyP99).Set(LatencyP99SLO)
}

// publish sets the Current gauges from snap and counts missed objectives.
func publish(snap Snapshot) {
	Current.WithLabelValues(ObjectiveAvailability).Set(snap.Availability)
	Current.WithLabelValues(ObjectiveErrorRate).Set(snap.ErrorRate)
	Current.WithLabelValues(ObjectiveLatencyP95).Set(snap.LatencyP95.Seconds())
	Current.WithLabelValues(ObjectiveLatencyP99).Set(snap.LatencyP99.Seconds())

	for _, objective := range snap.MissedObjectives() {
		Missed.WithLabelValues(objective).Inc()
	}
}
