package monitor

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceResult reports what one maintenance run removed.
type MaintenanceResult struct {
	Violations          int
	Alerts              int
	BurstTrackers       int
	CoordinatedTrackers int
	RateTrackers        int
}

// Removed is the total number of records and trackers removed.
func (r MaintenanceResult) Removed() int {
	return r.Violations + r.Alerts + r.BurstTrackers + r.CoordinatedTrackers + r.RateTrackers
}

// Maintain purges violations and alerts older than the retention period and
// drops idle trackers. The cron job scheduled by Start calls it; it can also
// be called directly.
func (m *Monitor) Maintain(ctx context.Context) MaintenanceResult {
	started := time.Now()
	now := m.clock.Now()
	var result MaintenanceResult

	result.Violations, result.BurstTrackers = m.purgeIdentifiers(ctx, now)
	result.CoordinatedTrackers, result.RateTrackers = m.purgeEndpoints(ctx, now)
	result.Alerts = m.purgeAlerts(now)

	m.logger.Info("violation monitor maintenance completed",
		slog.Int("violations_purged", result.Violations),
		slog.Int("alerts_purged", result.Alerts),
		slog.Int("burst_trackers_removed", result.BurstTrackers),
		slog.Int("coordinated_trackers_removed", result.CoordinatedTrackers),
		slog.Int("rate_trackers_removed", result.RateTrackers),
	)
	if m.cfg.OnMaintenance != nil {
		m.cfg.OnMaintenance(result, time.Since(started))
	}
	return result
}

func (m *Monitor) purgeIdentifiers(ctx context.Context, now time.Time) (violations, trackers int) {
	cutoff := now.Add(-m.cfg.Retention)
	for i := range m.identifiers {
		if ctx.Err() != nil {
			return violations, trackers
		}

		sh := &m.identifiers[i]
		sh.mu.Lock()
		for id, history := range sh.violations {
			keep := 0
			for keep < len(history) && !history[keep].Timestamp.After(cutoff) {
				keep++
			}
			violations += keep
			if keep == len(history) {
				delete(sh.violations, id)
				continue
			}
			if keep > 0 {
				sh.violations[id] = append(history[:0], history[keep:]...)
			}
		}
		for id, tracker := range sh.bursts {
			if tracker.idle(now, m.cfg.BurstWindow, m.cfg.AlertCooldown) {
				delete(sh.bursts, id)
				trackers++
			}
		}
		sh.mu.Unlock()
	}
	return violations, trackers
}

func (m *Monitor) purgeEndpoints(ctx context.Context, now time.Time) (coordinated, rates int) {
	for i := range m.endpoints {
		if ctx.Err() != nil {
			return coordinated, rates
		}

		sh := &m.endpoints[i]
		sh.mu.Lock()
		coordinated += m.pruneCoordinatedShard(sh, now)
		for endpoint, tracker := range sh.rates {
			if tracker.idle(now, m.cfg.AlertCooldown) {
				delete(sh.rates, endpoint)
				rates++
			}
		}
		sh.mu.Unlock()
	}
	return coordinated, rates
}

// pruneCoordinated drops stale sources and idle coordinated trackers.
func (m *Monitor) pruneCoordinated(now time.Time) int {
	removed := 0
	for i := range m.endpoints {
		sh := &m.endpoints[i]
		sh.mu.Lock()
		removed += m.pruneCoordinatedShard(sh, now)
		sh.mu.Unlock()
	}
	return removed
}

// pruneCoordinatedShard must be called while holding the shard lock.
func (m *Monitor) pruneCoordinatedShard(sh *endpointShard, now time.Time) int {
	removed := 0
	for endpoint, tracker := range sh.coordinated {
		if tracker.idle(now, m.cfg.CoordinatedWindow, m.cfg.AlertCooldown) {
			delete(sh.coordinated, endpoint)
			removed++
		}
	}
	return removed
}

func (m *Monitor) purgeAlerts(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)

	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()

	keep := 0
	for keep < len(m.alerts) && !m.alerts[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		m.alerts = append(m.alerts[:0], m.alerts[keep:]...)
	}
	return keep
}
