package slo

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, objective string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(objective).Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, objective string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, Missed.WithLabelValues(objective).Write(m))
	return m.GetCounter().GetValue()
}

func TestTargets(t *testing.T) {
	assert.InDelta(t, 0.999, gaugeValue(t, Target, ObjectiveAvailability), 1e-9)
	assert.InDelta(t, ErrorRateSLO, gaugeValue(t, Target, ObjectiveErrorRate), 1e-9)
	assert.InDelta(t, LatencyP95SLO, gaugeValue(t, Target, ObjectiveLatencyP95), 1e-9)
	assert.InDelta(t, LatencyP99SLO, gaugeValue(t, Target, ObjectiveLatencyP99), 1e-9)
}

func TestMissedObjectives(t *testing.T) {
	healthy := Snapshot{
		Requests:     1000,
		Availability: 1,
		LatencyP95:   5 * time.Millisecond,
		LatencyP99:   20 * time.Millisecond,
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   []string
	}{
		{name: "healthy", mutate: func(*Snapshot) {}},
		{name: "empty period", mutate: func(s *Snapshot) { *s = Snapshot{} }},
		{
			name: "availability and error rate",
			mutate: func(s *Snapshot) {
				s.Errors = 10
				s.Availability = 0.99
				s.ErrorRate = 0.01
			},
			want: []string{ObjectiveAvailability, ObjectiveErrorRate},
		},
		{
			name:   "slow p95",
			mutate: func(s *Snapshot) { s.LatencyP95 = 30 * time.Millisecond },
			want:   []string{ObjectiveLatencyP95},
		},
		{
			name:   "p99 exactly on target",
			mutate: func(s *Snapshot) { s.LatencyP99 = 100 * time.Millisecond },
		},
		{
			name:   "slow p99",
			mutate: func(s *Snapshot) { s.LatencyP99 = 101 * time.Millisecond },
			want:   []string{ObjectiveLatencyP99},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := healthy
			tt.mutate(&snap)

			assert.Equal(t, tt.want, snap.MissedObjectives())
			assert.Equal(t, len(tt.want) == 0, snap.MeetsTargets())
		})
	}
}

func TestPublish(t *testing.T) {
	before := counterValue(t, ObjectiveLatencyP99)

	publish(Snapshot{
		Requests:     10,
		Availability: 1,
		LatencyP95:   12 * time.Millisecond,
		LatencyP99:   250 * time.Millisecond,
	})

	assert.InDelta(t, 1.0, gaugeValue(t, Current, ObjectiveAvailability), 1e-9)
	assert.InDelta(t, 0.012, gaugeValue(t, Current, ObjectiveLatencyP95), 1e-9)
	assert.InDelta(t, 0.25, gaugeValue(t, Current, ObjectiveLatencyP99), 1e-9)
	assert.Equal(t, before+1, counterValue(t, ObjectiveLatencyP99))
}
