package ratelimit

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"
)

// Algorithm identifies an admission algorithm.
type Algorithm string

const (
	// AlgorithmFixedWindow counts requests in epoch-aligned windows.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow counts requests in a window made of precision-sized segments.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket refills tokens continuously up to a capacity.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmLeakyBucket drains a queue continuously and admits while it has room.
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"
)

// String returns the string representation of the algorithm.
func (a Algorithm) String() string {
	return string(a)
}

// IsValid checks if the algorithm is a recognized value.
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket:
		return true
	default:
		return false
	}
}

// ParseAlgorithm converts names such as "token_bucket", "token-bucket" or
// "TokenBucket" into an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(name))
	switch normalized {
	case "fixedwindow":
		return AlgorithmFixedWindow, nil
	case "slidingwindow":
		return AlgorithmSlidingWindow, nil
	case "tokenbucket":
		return AlgorithmTokenBucket, nil
	case "leakybucket":
		return AlgorithmLeakyBucket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// RateLimitConfig is the immutable configuration of one admission policy.
//
// It is a closed sum type: the only implementations are FixedWindowConfig,
// SlidingWindowConfig, TokenBucketConfig and LeakyBucketConfig. Each variant
// carries only the fields its algorithm uses.
type RateLimitConfig interface {
	// Algorithm reports which strategy the config selects.
	Algorithm() Algorithm

	// Validate returns an error wrapping ErrInvalidConfig if any field is out of range.
	Validate() error

	// Fingerprint is a short stable hash of the config fields. Two configs with
	// the same fingerprint share limiter state for the same identifier.
	Fingerprint() string

	// Limit is the request budget reported to clients (max requests or capacity).
	Limit() int

	// IdleTTL is how long state may sit untouched before it is evicted.
	IdleTTL() time.Duration

	isRateLimitConfig()
}

// FixedWindowConfig configures the fixed window algorithm.
type FixedWindowConfig struct {
	Window      time.Duration
	MaxRequests int
}

// SlidingWindowConfig configures the sliding window algorithm.
type SlidingWindowConfig struct {
	Window      time.Duration
	Precision   time.Duration
	MaxRequests int
}

// TokenBucketConfig configures the token bucket algorithm.
type TokenBucketConfig struct {
	Capacity         int
	RefillRatePerSec float64

	// TokenCost is the number of tokens one unit of cost consumes. Values
	// below 1 admit more than Capacity requests from a full bucket.
	TokenCost float64
}

// LeakyBucketConfig configures the leaky bucket algorithm.
type LeakyBucketConfig struct {
	Capacity       int
	LeakRatePerSec float64
}

// NewFixedWindow returns a validated FixedWindowConfig.
func NewFixedWindow(window time.Duration, maxRequests int) (FixedWindowConfig, error) {
	c := FixedWindowConfig{Window: window, MaxRequests: maxRequests}
	return c, c.Validate()
}

// NewSlidingWindow returns a validated SlidingWindowConfig.
func NewSlidingWindow(window, precision time.Duration, maxRequests int) (SlidingWindowConfig, error) {
	c := SlidingWindowConfig{Window: window, Precision: precision, MaxRequests: maxRequests}
	return c, c.Validate()
}

// NewTokenBucket returns a validated TokenBucketConfig. A zero tokenCost means one token per request.
func NewTokenBucket(capacity int, refillRatePerSec, tokenCost float64) (TokenBucketConfig, error) {
	if tokenCost == 0 {
		tokenCost = 1
	}
	c := TokenBucketConfig{Capacity: capacity, RefillRatePerSec: refillRatePerSec, TokenCost: tokenCost}
	return c, c.Validate()
}

// NewLeakyBucket returns a validated LeakyBucketConfig.
func NewLeakyBucket(capacity int, leakRatePerSec float64) (LeakyBucketConfig, error) {
	c := LeakyBucketConfig{Capacity: capacity, LeakRatePerSec: leakRatePerSec}
	return c, c.Validate()
}

// Params is the loosely typed form used by configuration files and admin APIs.
// NewConfig turns it into the variant selected by the algorithm, ignoring
// fields that variant does not use.
type Params struct {
	Window           time.Duration
	Precision        time.Duration
	MaxRequests      int
	Capacity         int
	RefillRatePerSec float64
	TokenCost        float64
	LeakRatePerSec   float64
}

// NewConfig builds and validates the RateLimitConfig variant for algorithm.
//
// MaxRequests and Capacity are interchangeable: whichever is set is used as
// the budget of the selected algorithm.
func NewConfig(algorithm Algorithm, p Params) (RateLimitConfig, error) {
	budget := p.MaxRequests
	if budget == 0 {
		budget = p.Capacity
	}

	switch algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindow(p.Window, budget)
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(p.Window, p.Precision, budget)
	case AlgorithmTokenBucket:
		return NewTokenBucket(budget, p.RefillRatePerSec, p.TokenCost)
	case AlgorithmLeakyBucket:
		return NewLeakyBucket(budget, p.LeakRatePerSec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// Algorithm implements RateLimitConfig.
func (c FixedWindowConfig) Algorithm() Algorithm { return AlgorithmFixedWindow }

// Limit implements RateLimitConfig.
func (c FixedWindowConfig) Limit() int { return c.MaxRequests }

// IdleTTL implements RateLimitConfig.
func (c FixedWindowConfig) IdleTTL() time.Duration { return c.Window }

// Fingerprint implements RateLimitConfig.
func (c FixedWindowConfig) Fingerprint() string {
	return fingerprint(string(AlgorithmFixedWindow), c.Window.String(), strconv.Itoa(c.MaxRequests))
}

// Validate checks if the FixedWindowConfig is valid.
func (c FixedWindowConfig) Validate() error {
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: Window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: MaxRequests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	return nil
}

func (FixedWindowConfig) isRateLimitConfig() {}

// Algorithm implements RateLimitConfig.
func (c SlidingWindowConfig) Algorithm() Algorithm { return AlgorithmSlidingWindow }

// Limit implements RateLimitConfig.
func (c SlidingWindowConfig) Limit() int { return c.MaxRequests }

// IdleTTL implements RateLimitConfig.
func (c SlidingWindowConfig) IdleTTL() time.Duration { return c.Window }

// Fingerprint implements RateLimitConfig.
func (c SlidingWindowConfig) Fingerprint() string {
	return fingerprint(string(AlgorithmSlidingWindow), c.Window.String(), c.Precision.String(), strconv.Itoa(c.MaxRequests))
}

// Validate checks if the SlidingWindowConfig is valid.
//
// Precision must divide Window evenly so that segment boundaries line up with
// the window edge.
func (c SlidingWindowConfig) Validate() error {
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: Window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: MaxRequests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Precision < time.Millisecond {
		return fmt.Errorf("%w: Precision must be at least 1ms, got %s", ErrInvalidConfig, c.Precision)
	}
	if c.Precision > c.Window {
		return fmt.Errorf("%w: Precision %s exceeds Window %s", ErrInvalidConfig, c.Precision, c.Window)
	}
	if c.Window%c.Precision != 0 {
		return fmt.Errorf("%w: Precision %s does not divide Window %s", ErrInvalidConfig, c.Precision, c.Window)
	}
	return nil
}

// segmentsPerWindow is the number of precision-sized segments one window spans.
func (c SlidingWindowConfig) segmentsPerWindow() int {
	return int(c.Window / c.Precision)
}

func (SlidingWindowConfig) isRateLimitConfig() {}

// Algorithm implements RateLimitConfig.
func (c TokenBucketConfig) Algorithm() Algorithm { return AlgorithmTokenBucket }

// Limit implements RateLimitConfig.
func (c TokenBucketConfig) Limit() int { return c.Capacity }

// IdleTTL is the time an empty bucket needs to refill completely. After that
// long without checks the stored state is indistinguishable from a new one.
func (c TokenBucketConfig) IdleTTL() time.Duration {
	return secondsToDuration(float64(c.Capacity) / c.RefillRatePerSec)
}

// Fingerprint implements RateLimitConfig.
func (c TokenBucketConfig) Fingerprint() string {
	return fingerprint(string(AlgorithmTokenBucket),
		strconv.Itoa(c.Capacity),
		strconv.FormatFloat(c.RefillRatePerSec, 'g', -1, 64),
		strconv.FormatFloat(c.TokenCost, 'g', -1, 64))
}

// Validate checks if the TokenBucketConfig is valid.
func (c TokenBucketConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: Capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if !(c.RefillRatePerSec > 0) || math.IsInf(c.RefillRatePerSec, 0) {
		return fmt.Errorf("%w: RefillRatePerSec must be positive and finite, got %v", ErrInvalidConfig, c.RefillRatePerSec)
	}
	if !(c.TokenCost > 0) || c.TokenCost > float64(c.Capacity) {
		return fmt.Errorf("%w: TokenCost must be in (0, Capacity], got %v", ErrInvalidConfig, c.TokenCost)
	}
	return nil
}

func (TokenBucketConfig) isRateLimitConfig() {}

// Algorithm implements RateLimitConfig.
func (c LeakyBucketConfig) Algorithm() Algorithm { return AlgorithmLeakyBucket }

// Limit implements RateLimitConfig.
func (c LeakyBucketConfig) Limit() int { return c.Capacity }

// IdleTTL is the time a full queue needs to drain completely.
func (c LeakyBucketConfig) IdleTTL() time.Duration {
	return secondsToDuration(float64(c.Capacity) / c.LeakRatePerSec)
}

// Fingerprint implements RateLimitConfig.
func (c LeakyBucketConfig) Fingerprint() string {
	return fingerprint(string(AlgorithmLeakyBucket),
		strconv.Itoa(c.Capacity),
		strconv.FormatFloat(c.LeakRatePerSec, 'g', -1, 64))
}

// Validate checks if the LeakyBucketConfig is valid.
func (c LeakyBucketConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: Capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if !(c.LeakRatePerSec > 0) || math.IsInf(c.LeakRatePerSec, 0) {
		return fmt.Errorf("%w: LeakRatePerSec must be positive and finite, got %v", ErrInvalidConfig, c.LeakRatePerSec)
	}
	return nil
}

func (LeakyBucketConfig) isRateLimitConfig() {}

// fingerprint hashes the given parts with FNV-1a and renders the sum in base 36.
func fingerprint(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// secondsToDuration converts fractional seconds to a Duration, rounding up
// and never returning less than one second.
func secondsToDuration(seconds float64) time.Duration {
	d := time.Duration(math.Ceil(seconds * float64(time.Second)))
	if d < time.Second {
		return time.Second
	}
	return d
}
