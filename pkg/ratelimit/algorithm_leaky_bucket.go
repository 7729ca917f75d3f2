package ratelimit

import (
	"math"
	"time"
)

// decideLeakyBucket applies the leaky bucket algorithm.
//
// Each admitted unit of cost joins a queue of at most Capacity units that
// drains continuously at LeakRatePerSec. Unlike the token bucket there is no
// stored burst allowance: an empty queue admits Capacity units at once and
// then exactly the leak rate.
//
// Algorithm:
//  1. Leak: queue = max(0, queue - elapsed * LeakRatePerSec)
//  2. Admit iff queue + cost <= Capacity, adding cost on admission
//  3. Report the room left and when the queue will be empty
//
// Clock Skew Protection:
// Negative elapsed time leaks nothing and LastLeak never moves backwards.
func decideLeakyBucket(cfg LeakyBucketConfig, prev *LeakyBucketState, now time.Time, cost int) (*LeakyBucketState, verdict) {
	capacity := float64(cfg.Capacity)

	next := &LeakyBucketState{LastLeak: now}
	var skew time.Duration
	if prev != nil {
		elapsed := now.Sub(prev.LastLeak)
		if elapsed < 0 {
			skew = -elapsed
			elapsed = 0
			next.LastLeak = prev.LastLeak
		}
		next.QueueSize = math.Max(0, prev.QueueSize-elapsed.Seconds()*cfg.LeakRatePerSec)
	}

	units := float64(cost)
	allowed := next.QueueSize+units <= capacity
	if allowed {
		next.QueueSize += units
	}

	v := verdict{
		allowed:   allowed,
		remaining: clampRemaining(capacity - next.QueueSize),
		resetAt:   now.Add(rateDuration(next.QueueSize, cfg.LeakRatePerSec)),
		detail: LeakyBucketDetail{
			QueueSize:      next.QueueSize,
			Capacity:       cfg.Capacity,
			LeakRatePerSec: cfg.LeakRatePerSec,
		},
		skew: skew,
	}
	if !allowed {
		v.retryAfter = rateDuration(next.QueueSize+units-capacity, cfg.LeakRatePerSec)
	}
	return next, v
}
