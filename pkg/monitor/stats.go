package monitor

import (
	"fmt"
	"sort"
	"time"
)

const (
	statsWindow = time.Hour

	// EstimationObserved marks request totals counted from observed admissions.
	EstimationObserved = "observed"
)

// RateLimitStats summarizes the trailing hour.
type RateLimitStats struct {
	GeneratedAt     time.Time `json:"generated_at"`
	Window          string    `json:"window"`
	TotalViolations int64     `json:"total_violations"`
	TotalRequests   int64     `json:"total_requests"`
	ViolationRate   float64   `json:"violation_rate"`

	// RequestsEstimated is true when no admissions were observed and
	// TotalRequests was derived from the violation count.
	RequestsEstimated bool   `json:"requests_estimated"`
	EstimationMethod  string `json:"estimation_method"`

	TopViolators       []ViolatorStat     `json:"top_violators"`
	Endpoints          []EndpointStat     `json:"endpoints"`
	Hourly             []HourlyStat       `json:"hourly"`
	Alerts             []Alert            `json:"alerts"`
	SuspiciousPatterns SuspiciousPatterns `json:"suspicious_patterns"`
}

// ViolatorStat is one entry of the top violators list.
type ViolatorStat struct {
	Identifier    string    `json:"identifier"`
	Violations    int       `json:"violations"`
	LastViolation time.Time `json:"last_violation"`
}

// EndpointStat is the violation rate of one endpoint.
type EndpointStat struct {
	Endpoint          string  `json:"endpoint"`
	Requests          int64   `json:"requests"`
	Violations        int64   `json:"violations"`
	ViolationRate     float64 `json:"violation_rate"`
	RequestsEstimated bool    `json:"requests_estimated"`
}

// SuspiciousPatterns counts alerts raised in the trailing hour per detector.
type SuspiciousPatterns struct {
	BurstAttacks       int `json:"burst_attacks"`
	CoordinatedAttacks int `json:"coordinated_attacks"`
	HighViolationRates int `json:"high_violation_rates"`
}

// GetStats returns violation statistics for the hour ending now.
func (m *Monitor) GetStats() RateLimitStats {
	now := m.clock.Now()

	m.totalsMu.Lock()
	requests, violations := m.totals.sum(now)
	m.totalsMu.Unlock()

	stats := RateLimitStats{
		GeneratedAt:      now,
		Window:           statsWindow.String(),
		TotalViolations:  violations,
		TotalRequests:    requests,
		EstimationMethod: EstimationObserved,
	}
	if requests == 0 {
		stats.TotalRequests = violations * int64(m.cfg.RequestEstimateMultiplier)
		stats.RequestsEstimated = true
		stats.EstimationMethod = m.estimationMethod()
	}
	stats.ViolationRate = violationRate(stats.TotalRequests, stats.TotalViolations)

	stats.TopViolators = m.topViolators(now)
	stats.Endpoints = m.endpointStats(now)
	stats.Hourly = m.hourly.snapshot(now)
	stats.Alerts, stats.SuspiciousPatterns = m.recentAlerts(now)
	return stats
}

// GetPerformanceStats returns the per-algorithm comparison table.
func (m *Monitor) GetPerformanceStats() PerformanceStats {
	if !m.cfg.PerformanceTracking {
		return PerformanceStats{}
	}
	return m.perf.snapshot()
}

func (m *Monitor) estimationMethod() string {
	return fmt.Sprintf("violations_x%d", m.cfg.RequestEstimateMultiplier)
}

func (m *Monitor) topViolators(now time.Time) []ViolatorStat {
	cutoff := now.Add(-statsWindow)

	var violators []ViolatorStat
	for i := range m.identifiers {
		sh := &m.identifiers[i]
		sh.mu.Lock()
		for id, history := range sh.violations {
			stat := ViolatorStat{Identifier: id}
			for _, r := range history {
				if r.Timestamp.After(cutoff) && !r.Timestamp.After(now) {
					stat.Violations++
					stat.LastViolation = r.Timestamp
				}
			}
			if stat.Violations > 0 {
				violators = append(violators, stat)
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(violators, func(i, j int) bool {
		if violators[i].Violations != violators[j].Violations {
			return violators[i].Violations > violators[j].Violations
		}
		return violators[i].Identifier < violators[j].Identifier
	})
	if len(violators) > m.cfg.TopViolators {
		violators = violators[:m.cfg.TopViolators]
	}
	return violators
}

func (m *Monitor) endpointStats(now time.Time) []EndpointStat {
	var endpoints []EndpointStat
	for i := range m.endpoints {
		sh := &m.endpoints[i]
		sh.mu.Lock()
		for endpoint, tracker := range sh.rates {
			requests, violations := tracker.window.sum(now)
			if requests == 0 && violations == 0 {
				continue
			}
			stat := EndpointStat{Endpoint: endpoint, Requests: requests, Violations: violations}
			if requests == 0 {
				stat.Requests = violations * int64(m.cfg.RequestEstimateMultiplier)
				stat.RequestsEstimated = true
			}
			stat.ViolationRate = violationRate(stat.Requests, stat.Violations)
			endpoints = append(endpoints, stat)
		}
		sh.mu.Unlock()
	}

	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Violations != endpoints[j].Violations {
			return endpoints[i].Violations > endpoints[j].Violations
		}
		return endpoints[i].Endpoint < endpoints[j].Endpoint
	})
	return endpoints
}

// recentAlerts returns the newest alerts first and counts the alerts of the
// trailing hour per type.
func (m *Monitor) recentAlerts(now time.Time) ([]Alert, SuspiciousPatterns) {
	cutoff := now.Add(-statsWindow)

	m.alertsMu.RLock()
	defer m.alertsMu.RUnlock()

	var patterns SuspiciousPatterns
	recent := make([]Alert, 0, m.cfg.RecentAlerts)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		alert := m.alerts[i]
		if len(recent) < m.cfg.RecentAlerts {
			recent = append(recent, alert)
		}
		if !alert.Timestamp.After(cutoff) {
			continue
		}
		switch alert.Type {
		case AlertBurstAttack:
			patterns.BurstAttacks++
		case AlertCoordinatedAttack:
			patterns.CoordinatedAttacks++
		case AlertHighViolationRate:
			patterns.HighViolationRates++
		}
	}
	return recent, patterns
}
