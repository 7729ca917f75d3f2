package monitor

import (
	"sort"
	"sync"
	"time"

	"admission-engine/pkg/ratelimit"
)

// PerformanceStats compares the cost of the admission algorithms.
type PerformanceStats struct {
	Enabled               bool                   `json:"enabled"`
	TotalChecks           int64                  `json:"total_checks"`
	AverageProcessingTime time.Duration          `json:"average_processing_time"`
	Algorithms            []AlgorithmPerformance `json:"algorithms"`
}

// AlgorithmPerformance is one row of the comparison table.
type AlgorithmPerformance struct {
	Algorithm             ratelimit.Algorithm `json:"algorithm"`
	Checks                int64               `json:"checks"`
	AllowRate             float64             `json:"allow_rate"`
	AverageProcessingTime time.Duration       `json:"average_processing_time"`
	MaxProcessingTime     time.Duration       `json:"max_processing_time"`
	AverageStateBytes     float64             `json:"average_state_bytes"`
}

type algorithmCounters struct {
	checks     int64
	allowed    int64
	totalTime  time.Duration
	maxTime    time.Duration
	stateBytes int64
}

type performanceTracker struct {
	mu         sync.Mutex
	algorithms map[ratelimit.Algorithm]*algorithmCounters
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{algorithms: make(map[ratelimit.Algorithm]*algorithmCounters)}
}

func (p *performanceTracker) record(o ratelimit.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.algorithms[o.Algorithm]
	if !ok {
		c = &algorithmCounters{}
		p.algorithms[o.Algorithm] = c
	}
	c.checks++
	if o.Allowed {
		c.allowed++
	}
	c.totalTime += o.ProcessingTime
	if o.ProcessingTime > c.maxTime {
		c.maxTime = o.ProcessingTime
	}
	c.stateBytes += int64(o.StateBytes)
}

func (p *performanceTracker) snapshot() PerformanceStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PerformanceStats{Enabled: true, Algorithms: make([]AlgorithmPerformance, 0, len(p.algorithms))}
	var totalTime time.Duration
	for alg, c := range p.algorithms {
		stats.TotalChecks += c.checks
		totalTime += c.totalTime
		stats.Algorithms = append(stats.Algorithms, AlgorithmPerformance{
			Algorithm:             alg,
			Checks:                c.checks,
			AllowRate:             float64(c.allowed) / float64(c.checks),
			AverageProcessingTime: c.totalTime / time.Duration(c.checks),
			MaxProcessingTime:     c.maxTime,
			AverageStateBytes:     float64(c.stateBytes) / float64(c.checks),
		})
	}
	if stats.TotalChecks > 0 {
		stats.AverageProcessingTime = totalTime / time.Duration(stats.TotalChecks)
	}

	sort.Slice(stats.Algorithms, func(i, j int) bool {
		a, b := stats.Algorithms[i], stats.Algorithms[j]
		if a.AverageProcessingTime != b.AverageProcessingTime {
			return a.AverageProcessingTime < b.AverageProcessingTime
		}
		return a.Algorithm < b.Algorithm
	})
	return stats
}
