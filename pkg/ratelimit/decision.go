package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// StorageType tells which backend served an admission check.
type StorageType string

const (
	// StorageMemory means state lives in the process (directly or after a fallback).
	StorageMemory StorageType = "memory"

	// StorageRemote means state lives in a shared remote backend.
	StorageRemote StorageType = "remote"
)

// AdmissionResult represents the result of an admission check.
//
// It is a snapshot: nothing in it aliases limiter state, so callers may keep
// or modify it freely. Rejection is a normal result, not an error.
type AdmissionResult struct {
	// Identifier is the entity that was checked (e.g. "ip:/api/generate").
	Identifier string

	// Key is the storage key derived from identifier, algorithm and config fingerprint.
	Key string

	// Allowed indicates whether the request should be permitted.
	Allowed bool

	// Limit is the maximum requests (or capacity) of the applied config.
	Limit int

	// Remaining is how many more unit-cost requests the key can make right now.
	// It never goes below zero.
	Remaining int

	// ResetAt is when the key's budget is fully restored if no more requests arrive.
	ResetAt time.Time

	// RetryAfter is how long a rejected caller should wait. Zero when allowed.
	RetryAfter time.Duration

	// Algorithm identifies the strategy that made the decision.
	Algorithm Algorithm

	// StorageType reports whether the remote store or the in-memory store served the check.
	StorageType StorageType

	// Reason is empty for ordinary decisions and names the cause of
	// exceptional ones (for example "state_conflict").
	Reason string

	// Detail carries the algorithm-specific snapshot.
	Detail AlgorithmDetail
}

// AlgorithmDetail is the algorithm-specific part of an AdmissionResult.
type AlgorithmDetail interface {
	Algorithm() Algorithm
	isAlgorithmDetail()
}

// FixedWindowDetail describes a fixed window decision.
type FixedWindowDetail struct {
	WindowStart time.Time
	Count       int
}

// SlidingWindowDetail describes a sliding window decision.
type SlidingWindowDetail struct {
	// CurrentWindowRequests includes the request being checked, even when it was rejected.
	CurrentWindowRequests int
	WindowStart           time.Time
	ActiveSegments        int
}

// TokenBucketDetail describes a token bucket decision.
type TokenBucketDetail struct {
	AvailableTokens  float64
	Capacity         int
	RefillRatePerSec float64
	TokenCost        float64
}

// LeakyBucketDetail describes a leaky bucket decision.
type LeakyBucketDetail struct {
	QueueSize      float64
	Capacity       int
	LeakRatePerSec float64
}

// Algorithm implements AlgorithmDetail.
func (FixedWindowDetail) Algorithm() Algorithm { return AlgorithmFixedWindow }
func (FixedWindowDetail) isAlgorithmDetail() {}
func (SlidingWindowDetail) Algorithm() Algorithm { return AlgorithmSlidingWindow }
func (SlidingWindowDetail) isAlgorithmDetail() {}
func (TokenBucketDetail) Algorithm() Algorithm { return AlgorithmTokenBucket }
func (TokenBucketDetail) isAlgorithmDetail() {}
func (LeakyBucketDetail) Algorithm() Algorithm { return AlgorithmLeakyBucket }
func (LeakyBucketDetail) isAlgorithmDetail() {}

// FixedWindowData returns the fixed window detail, or nil for other algorithms.
func (r *AdmissionResult) FixedWindowData() *FixedWindowDetail {
	if d, ok := r.Detail.(FixedWindowDetail); ok {
		return &d
	}
	return nil
}

// SlidingWindowData returns the sliding window detail, or nil for other algorithms.
func (r *AdmissionResult) SlidingWindowData() *SlidingWindowDetail {
	if d, ok := r.Detail.(SlidingWindowDetail); ok {
		return &d
	}
	return nil
}

// TokenBucketData returns the token bucket detail, or nil for other algorithms.
func (r *AdmissionResult) TokenBucketData() *TokenBucketDetail {
	if d, ok := r.Detail.(TokenBucketDetail); ok {
		return &d
	}
	return nil
}

// LeakyBucketData returns the leaky bucket detail, or nil for other algorithms.
func (r *AdmissionResult) LeakyBucketData() *LeakyBucketDetail {
	if d, ok := r.Detail.(LeakyBucketDetail); ok {
		return &d
	}
	return nil
}

// String returns a human-readable representation of the result.
func (r *AdmissionResult) String() string {
	if r.Allowed {
		return fmt.Sprintf(
			"AdmissionResult{Allowed: true, Identifier: %s, Algorithm: %s, Remaining: %d/%d, ResetAt: %s, Storage: %s}",
			r.Identifier,
			r.Algorithm,
			r.Remaining,
			r.Limit,
			r.ResetAt.Format(time.RFC3339),
			r.StorageType,
		)
	}

	return fmt.Sprintf(
		"AdmissionResult{Allowed: false, Identifier: %s, Algorithm: %s, Limit: %d, RetryAfter: %s, ResetAt: %s, Storage: %s}",
		r.Identifier,
		r.Algorithm,
		r.Limit,
		r.RetryAfter.String(),
		r.ResetAt.Format(time.RFC3339),
		r.StorageType,
	)
}

// IsAllowed returns true if the request is allowed.
func (r *AdmissionResult) IsAllowed() bool {
	return r.Allowed
}

// IsDenied returns true if the request is denied.
func (r *AdmissionResult) IsDenied() bool {
	return !r.Allowed
}

// ResetAtUnix returns the reset time as a Unix timestamp.
//
// This is useful for HTTP headers like X-RateLimit-Reset.
func (r *AdmissionResult) ResetAtUnix() int64 {
	return r.ResetAt.Unix()
}

// RetryAfterSeconds returns the retry delay in whole seconds, rounded up.
//
// This is useful for HTTP headers like Retry-After, where rounding down
// would invite a retry that is still too early.
func (r *AdmissionResult) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(r.RetryAfter.Seconds()))
}

// verdict is what an algorithm decides before the limiter attaches identity
// and storage information.
type verdict struct {
	allowed    bool
	remaining  int
	resetAt    time.Time
	retryAfter time.Duration
	detail     AlgorithmDetail

	// skew is how far now lagged behind the time recorded in the stored
	// state. Zero unless the clock moved backwards.
	skew time.Duration
}

func clampRemaining(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return int(math.Floor(v))
}
