package ratelimit

import "time"

// decideFixedWindow applies the fixed window algorithm.
//
// Windows are aligned to the Unix epoch: the window containing now starts at
// floor(now / Window) * Window. A stored window that differs from the current
// one is discarded and counting starts again from zero.
//
// Algorithm:
//  1. Compute the current window boundary
//  2. Reset the count if the stored window is not the current one
//  3. Admit iff count + cost <= MaxRequests, adding cost on admission
//  4. Report the remaining budget and the end of the window as ResetAt
//
// A burst straddling a boundary can admit up to 2x MaxRequests within one
// Window. This is inherent to the algorithm; use the sliding window when it
// matters.
//
// Clock Skew Protection:
// If the stored window starts after the computed one (the clock moved
// backwards), the stored window is kept so that a clock step cannot be used
// to reset the counter.
func decideFixedWindow(cfg FixedWindowConfig, prev *FixedWindowState, now time.Time, cost int) (*FixedWindowState, verdict) {
	window := cfg.Window.Nanoseconds()
	boundary := time.Unix(0, floorDiv(now.UnixNano(), window)*window)

	next := &FixedWindowState{WindowStart: boundary}
	var skew time.Duration
	if prev != nil {
		switch {
		case prev.WindowStart.Equal(boundary):
			next.Count = prev.Count
		case prev.WindowStart.After(boundary):
			skew = prev.WindowStart.Sub(boundary)
			next.WindowStart = prev.WindowStart
			next.Count = prev.Count
		}
	}

	allowed := next.Count+cost <= cfg.MaxRequests
	if allowed {
		next.Count += cost
	}

	resetAt := next.WindowStart.Add(cfg.Window)
	v := verdict{
		allowed:   allowed,
		remaining: clampRemaining(float64(cfg.MaxRequests - next.Count)),
		resetAt:   resetAt,
		detail:    FixedWindowDetail{WindowStart: next.WindowStart, Count: next.Count},
		skew:      skew,
	}
	if !allowed {
		v.retryAfter = positive(resetAt.Sub(now))
	}
	return next, v
}

// floorDiv divides rounding towards negative infinity, so timestamps before
// the epoch still land in the bucket that contains them.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
