package ratelimit

import (
	"math"
	"time"
)

// decideTokenBucket applies the token bucket algorithm.
//
// A bucket holds up to Capacity tokens and refills continuously at
// RefillRatePerSec. Each unit of cost consumes TokenCost tokens, so a
// fractional TokenCost admits more than Capacity requests from a full bucket.
// A key without state starts with a full bucket.
//
// Algorithm:
//  1. Refill: tokens = min(Capacity, tokens + elapsed * RefillRatePerSec)
//  2. Admit iff tokens >= TokenCost * cost, consuming them on admission
//  3. Report the tokens left and when the bucket will be full again
//
// Clock Skew Protection:
// Negative elapsed time (the clock moved backwards) refills nothing, and the
// later of now and the previous refill time is kept as LastRefill.
func decideTokenBucket(cfg TokenBucketConfig, prev *TokenBucketState, now time.Time, cost int) (*TokenBucketState, verdict) {
	capacity := float64(cfg.Capacity)

	next := &TokenBucketState{AvailableTokens: capacity, LastRefill: now}
	var skew time.Duration
	if prev != nil {
		elapsed := now.Sub(prev.LastRefill)
		if elapsed < 0 {
			skew = -elapsed
			elapsed = 0
			next.LastRefill = prev.LastRefill
		}
		next.AvailableTokens = math.Min(capacity, prev.AvailableTokens+elapsed.Seconds()*cfg.RefillRatePerSec)
	}

	consumed := cfg.TokenCost * float64(cost)
	allowed := next.AvailableTokens >= consumed
	if allowed {
		next.AvailableTokens -= consumed
	}

	v := verdict{
		allowed:   allowed,
		remaining: clampRemaining(next.AvailableTokens / cfg.TokenCost),
		resetAt:   now.Add(rateDuration(capacity-next.AvailableTokens, cfg.RefillRatePerSec)),
		detail: TokenBucketDetail{
			AvailableTokens:  next.AvailableTokens,
			Capacity:         cfg.Capacity,
			RefillRatePerSec: cfg.RefillRatePerSec,
			TokenCost:        cfg.TokenCost,
		},
		skew: skew,
	}
	if !allowed {
		v.retryAfter = rateDuration(consumed-next.AvailableTokens, cfg.RefillRatePerSec)
	}
	return next, v
}

// rateDuration is the time needed to move amount units at rate units per
// second, rounded up to the next nanosecond.
func rateDuration(amount, rate float64) time.Duration {
	if amount <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(amount / rate * float64(time.Second)))
}
