package monitor

import (
	"sort"
	"time"
)

// coordinatedTracker holds the source IPs that recently violated one endpoint.
type coordinatedTracker struct {
	sources map[string]time.Time
	episode episode
}

func newCoordinatedTracker() *coordinatedTracker {
	return &coordinatedTracker{sources: make(map[string]time.Time)}
}

// record adds a violation from sourceIP at now. When an alert should be
// raised it returns the sorted attacker list.
func (t *coordinatedTracker) record(now time.Time, sourceIP string, window time.Duration, threshold int, cooldown time.Duration) ([]string, bool) {
	t.prune(now, window)
	t.sources[sourceIP] = now

	if !t.episode.observe(len(t.sources) >= threshold, now, cooldown) {
		return nil, false
	}
	return t.attackers(), true
}

// prune forgets sources whose last violation left the window.
func (t *coordinatedTracker) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for ip, seen := range t.sources {
		if !seen.After(cutoff) {
			delete(t.sources, ip)
		}
	}
}

func (t *coordinatedTracker) attackers() []string {
	ips := make([]string, 0, len(t.sources))
	for ip := range t.sources {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func (t *coordinatedTracker) idle(now time.Time, window, cooldown time.Duration) bool {
	t.prune(now, window)
	return len(t.sources) == 0 && t.episode.settled(now, cooldown)
}
