package ratelimit

import (
	"sort"
	"time"
)

// decideSlidingWindow applies the sliding window algorithm.
//
// The window is a log of counters: requests are counted in Precision-sized
// segments and the window sum covers every segment whose start lies in
// [now-Window, now]. Memory per key is bounded by Window/Precision+1
// segments instead of one entry per request.
//
// Algorithm:
//  1. Compute the segment containing now: floor(now / Precision) * Precision
//  2. Add cost to that segment, even if the check ends up rejected
//  3. Sum the segments that start inside the window
//  4. Admit iff the sum <= MaxRequests
//
// Recording rejected requests means a client that keeps hammering a full
// window keeps it full. The detail on rejection therefore includes the
// request that tipped the window over.
//
// Expired segments are skipped when summing and only physically dropped
// once the list holds more segments than one window can overlap.
//
// Clock Skew Protection:
// If now lies before the newest recorded segment (the clock moved
// backwards), the newest segment is used as the current time so that a
// clock step cannot open room in the window.
func decideSlidingWindow(cfg SlidingWindowConfig, prev *SlidingWindowState, now time.Time, cost int) (*SlidingWindowState, verdict) {
	precision := cfg.Precision.Nanoseconds()
	window := cfg.Window.Nanoseconds()

	var segments []Segment
	if prev != nil {
		segments = prev.Segments
	}

	nowNs := now.UnixNano()
	var skew time.Duration
	if n := len(segments); n > 0 {
		if newest := segments[n-1].Start; newest > floorDiv(nowNs, precision)*precision {
			skew = time.Duration(newest - nowNs)
			nowNs = newest
		}
	}

	bucket := floorDiv(nowNs, precision) * precision
	cutoff := nowNs - window

	// A segment counts while its start is at or after the cutoff. It has
	// left the window one nanosecond after start+window.
	expired := func(s Segment) bool { return s.Start < cutoff }
	const lifetimeSlack = 1

	first := 0
	if len(segments) > cfg.segmentsPerWindow()+1 {
		for first < len(segments) && expired(segments[first]) {
			first++
		}
	}

	live := segments[first:]
	next := make([]Segment, len(live), len(live)+1)
	copy(next, live)

	i := sort.Search(len(next), func(i int) bool { return next[i].Start >= bucket })
	if i < len(next) && next[i].Start == bucket {
		next[i].Count += cost
	} else {
		next = append(next, Segment{})
		copy(next[i+1:], next[i:])
		next[i] = Segment{Start: bucket, Count: cost}
	}

	sum, active := 0, 0
	for _, s := range next {
		if expired(s) {
			continue
		}
		sum += s.Count
		active++
	}

	allowed := sum <= cfg.MaxRequests
	newest := next[len(next)-1].Start
	resetAt := time.Unix(0, newest+window+lifetimeSlack)

	v := verdict{
		allowed:   allowed,
		remaining: clampRemaining(float64(cfg.MaxRequests - sum)),
		resetAt:   resetAt,
		detail: SlidingWindowDetail{
			CurrentWindowRequests: sum,
			WindowStart:           time.Unix(0, cutoff),
			ActiveSegments:        active,
		},
		skew: skew,
	}

	if !allowed {
		v.retryAfter = slidingRetryAfter(next, expired, sum+cost-cfg.MaxRequests, window+lifetimeSlack, nowNs)
		if v.retryAfter == 0 {
			v.retryAfter = positive(resetAt.Sub(now))
		}
	}

	return &SlidingWindowState{Segments: next}, v
}

// slidingRetryAfter returns how long until enough of the oldest segments have
// left the window to free need requests. It returns zero if freeing every
// segment would still not be enough.
func slidingRetryAfter(segments []Segment, expired func(Segment) bool, need int, lifetime, nowNs int64) time.Duration {
	freed := 0
	for _, s := range segments {
		if expired(s) {
			continue
		}
		freed += s.Count
		if freed >= need {
			return time.Duration(s.Start + lifetime - nowNs)
		}
	}
	return 0
}
