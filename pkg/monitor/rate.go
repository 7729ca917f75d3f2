package monitor

import "time"

const minutesPerHour = 60

// minuteWindow counts requests and violations over the trailing hour in
// one-minute slots. It is not safe for concurrent use.
type minuteWindow struct {
	slots [minutesPerHour]minuteSlot
}

type minuteSlot struct {
	minute     int64
	requests   int64
	violations int64
}

func unixMinute(t time.Time) int64 {
	return t.Unix() / 60
}

func (w *minuteWindow) add(now time.Time, requests, violations int64) {
	minute := unixMinute(now)
	slot := &w.slots[minute%minutesPerHour]
	if slot.minute != minute {
		if slot.minute > minute {
			// Late event for a slot that was already reused.
			return
		}
		*slot = minuteSlot{minute: minute}
	}
	slot.requests += requests
	slot.violations += violations
}

// sum returns the counts of the hour ending at now.
func (w *minuteWindow) sum(now time.Time) (requests, violations int64) {
	minute := unixMinute(now)
	for _, slot := range w.slots {
		if slot.minute > minute-minutesPerHour && slot.minute <= minute {
			requests += slot.requests
			violations += slot.violations
		}
	}
	return requests, violations
}

// rateTracker follows the violation rate of one endpoint.
type rateTracker struct {
	window  minuteWindow
	episode episode
}

// record adds the counts and reports whether a high violation rate alert
// should be raised along with the trailing-hour figures.
func (t *rateTracker) record(now time.Time, requests, violations int64, cfg Config) (int64, int64, float64, bool) {
	t.window.add(now, requests, violations)

	total, violated := t.window.sum(now)
	rate := violationRate(total, violated)
	over := total >= int64(cfg.HighRateMinRequests) && rate >= cfg.HighRateThreshold
	return total, violated, rate, t.episode.observe(over, now, cfg.AlertCooldown)
}

func (t *rateTracker) idle(now time.Time, cooldown time.Duration) bool {
	requests, violations := t.window.sum(now)
	return requests == 0 && violations == 0 && t.episode.settled(now, cooldown)
}

// violationRate returns violations/requests capped at 1, or 0 without requests.
func violationRate(requests, violations int64) float64 {
	if requests <= 0 {
		return 0
	}
	rate := float64(violations) / float64(requests)
	if rate > 1 {
		return 1
	}
	return rate
}
