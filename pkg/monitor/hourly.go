package monitor

import (
	"sync/atomic"
	"time"
)

const hoursPerDay = 24

// hourlyCounters keeps request and violation counts for the last 24 hours
// without locks. A bucket is reset by the first event of a new hour; events
// racing with that reset may be lost, which is acceptable for statistics.
type hourlyCounters struct {
	buckets [hoursPerDay]hourBucket
}

type hourBucket struct {
	hour       atomic.Int64
	requests   atomic.Int64
	violations atomic.Int64
}

// HourlyStat is the activity of one wall-clock hour.
type HourlyStat struct {
	Hour       time.Time `json:"hour"`
	Requests   int64     `json:"requests"`
	Violations int64     `json:"violations"`
}

func (h *hourlyCounters) bucket(now time.Time) *hourBucket {
	hour := now.Unix() / 3600
	b := &h.buckets[hour%hoursPerDay]
	for {
		current := b.hour.Load()
		if current == hour {
			return b
		}
		if current > hour {
			return nil
		}
		if b.hour.CompareAndSwap(current, hour) {
			b.requests.Store(0)
			b.violations.Store(0)
			return b
		}
	}
}

func (h *hourlyCounters) addRequest(now time.Time) {
	if b := h.bucket(now); b != nil {
		b.requests.Add(1)
	}
}

func (h *hourlyCounters) addViolation(now time.Time) {
	if b := h.bucket(now); b != nil {
		b.violations.Add(1)
	}
}

// snapshot returns the 24 hours ending with the hour of now, oldest first.
func (h *hourlyCounters) snapshot(now time.Time) []HourlyStat {
	current := now.Unix() / 3600
	stats := make([]HourlyStat, 0, hoursPerDay)
	for i := int64(hoursPerDay - 1); i >= 0; i-- {
		hour := current - i
		stat := HourlyStat{Hour: time.Unix(hour*3600, 0).UTC()}
		b := &h.buckets[hour%hoursPerDay]
		if b.hour.Load() == hour {
			stat.Requests = b.requests.Load()
			stat.Violations = b.violations.Load()
		}
		stats = append(stats, stat)
	}
	return stats
}
