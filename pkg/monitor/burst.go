package monitor

import "time"

// burstTracker keeps the last threshold violation times of one identifier
// in a ring.
type burstTracker struct {
	ring    []time.Time
	next    int
	size    int
	episode episode
}

// record adds a violation at now and returns the in-window count, capped at
// threshold, and whether a burst alert should be raised.
func (t *burstTracker) record(now time.Time, window time.Duration, threshold int, cooldown time.Duration) (int, bool) {
	if len(t.ring) != threshold {
		t.ring = make([]time.Time, threshold)
		t.next, t.size = 0, 0
	}
	t.ring[t.next] = now
	t.next = (t.next + 1) % threshold
	if t.size < threshold {
		t.size++
	}

	count := t.count(now, window)
	return count, t.episode.observe(count >= threshold, now, cooldown)
}

// count returns how many remembered violations lie inside the window.
func (t *burstTracker) count(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for i := range t.size {
		if t.ring[i].After(cutoff) {
			n++
		}
	}
	return n
}

func (t *burstTracker) idle(now time.Time, window, cooldown time.Duration) bool {
	return t.count(now, window) == 0 && t.episode.settled(now, cooldown)
}
