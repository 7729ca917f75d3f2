package slo

import (
	"math"
	"slices"
	"sync"
	"time"
)

// DefaultMaxSamples bounds the latency samples kept between flushes.
const DefaultMaxSamples = 4096

// Snapshot is the result of one Tracker.Flush.
type Snapshot struct {
	Requests     int64
	Errors       int64
	Availability float64
	ErrorRate    float64
	LatencyP95   time.Duration
	LatencyP99   time.Duration
}

// MissedObjectives lists the objectives the snapshot does not meet. An
// empty period misses nothing.
func (s Snapshot) MissedObjectives() []string {
	if s.Requests == 0 {
		return nil
	}
	var missed []string
	if s.Availability*100 < AvailabilitySLO {
		missed = append(missed, ObjectiveAvailability)
	}
	if s.ErrorRate > ErrorRateSLO {
		missed = append(missed, ObjectiveErrorRate)
	}
	if s.LatencyP95.Seconds() > LatencyP95SLO {
		missed = append(missed, ObjectiveLatencyP95)
	}
	if s.LatencyP99.Seconds() > LatencyP99SLO {
		missed = append(missed, ObjectiveLatencyP99)
	}
	return missed
}

// MeetsTargets reports whether the snapshot is within every SLO target.
func (s Snapshot) MeetsTargets() bool {
	return len(s.MissedObjectives()) == 0
}

// Tracker accumulates request outcomes between gauge updates.
//
// Latency samples are kept in a ring of maxSamples, so percentiles cover
// the most recent requests of a busy period.
type Tracker struct {
	mu       sync.Mutex
	requests int64
	errors   int64
	samples  []time.Duration
	next     int
	max      int
}

// NewTracker creates a Tracker. maxSamples <= 0 means DefaultMaxSamples.
func NewTracker(maxSamples int) *Tracker {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Tracker{max: maxSamples}
}

// Observe records one response.
func (t *Tracker) Observe(status int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests++
	if status >= 500 {
		t.errors++
	}
	if len(t.samples) < t.max {
		t.samples = append(t.samples, latency)
		return
	}
	t.samples[t.next] = latency
	t.next = (t.next + 1) % t.max
}

// Flush computes the period's SLO values, publishes them to the gauges and
// starts a new period. An empty period publishes nothing.
func (t *Tracker) Flush() Snapshot {
	t.mu.Lock()
	requests, errors := t.requests, t.errors
	samples := t.samples
	t.requests, t.errors, t.samples, t.next = 0, 0, nil, 0
	t.mu.Unlock()

	if requests == 0 {
		return Snapshot{Availability: 1}
	}

	slices.Sort(samples)
	snap := Snapshot{
		Requests:     requests,
		Errors:       errors,
		ErrorRate:    float64(errors) / float64(requests),
		Availability: float64(requests-errors) / float64(requests),
		LatencyP95:   percentile(samples, 0.95),
		LatencyP99:   percentile(samples, 0.99),
	}

	publish(snap)
	return snap
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
