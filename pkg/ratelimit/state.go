package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"
)

// LimiterState is the per-key state of one algorithm.
//
// Like RateLimitConfig it is a closed sum type. Values handed to a KeyStore
// are never mutated afterwards: the algorithms build a new state on every
// check, so a stored state can be shared between readers without copying.
type LimiterState interface {
	// Algorithm reports which strategy owns the state.
	Algorithm() Algorithm

	// SizeBytes is a rough estimate of the memory the state occupies.
	SizeBytes() int

	isLimiterState()
}

// FixedWindowState is the state of the fixed window algorithm.
type FixedWindowState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// Segment is one precision-sized bucket of a sliding window.
type Segment struct {
	// Start is the bucket start in Unix nanoseconds.
	Start int64 `json:"start"`
	Count int   `json:"count"`
}

// SlidingWindowState is the state of the sliding window algorithm.
//
// Segments are ordered by Start. Segments older than the window are ignored
// by the algorithm and only physically dropped when the list grows.
type SlidingWindowState struct {
	Segments []Segment `json:"segments"`
}

// TokenBucketState is the state of the token bucket algorithm.
type TokenBucketState struct {
	AvailableTokens float64   `json:"available_tokens"`
	LastRefill      time.Time `json:"last_refill"`
}

// LeakyBucketState is the state of the leaky bucket algorithm.
type LeakyBucketState struct {
	QueueSize float64   `json:"queue_size"`
	LastLeak  time.Time `json:"last_leak"`
}

const (
	stateOverhead = 32 // interface header plus struct padding
	timeSize      = 24
	segmentSize   = 16
)

// Algorithm implements LimiterState.
func (*FixedWindowState) Algorithm() Algorithm { return AlgorithmFixedWindow }

// SizeBytes implements LimiterState.
func (*FixedWindowState) SizeBytes() int { return stateOverhead + timeSize + 8 }

func (*FixedWindowState) isLimiterState() {}

// Algorithm implements LimiterState.
func (*SlidingWindowState) Algorithm() Algorithm { return AlgorithmSlidingWindow }

// SizeBytes implements LimiterState.
func (s *SlidingWindowState) SizeBytes() int {
	return stateOverhead + 24 + cap(s.Segments)*segmentSize
}

func (*SlidingWindowState) isLimiterState() {}

// Algorithm implements LimiterState.
func (*TokenBucketState) Algorithm() Algorithm { return AlgorithmTokenBucket }

// SizeBytes implements LimiterState.
func (*TokenBucketState) SizeBytes() int { return stateOverhead + timeSize + 8 }

func (*TokenBucketState) isLimiterState() {}

// Algorithm implements LimiterState.
func (*LeakyBucketState) Algorithm() Algorithm { return AlgorithmLeakyBucket }

// SizeBytes implements LimiterState.
func (*LeakyBucketState) SizeBytes() int { return stateOverhead + timeSize + 8 }

func (*LeakyBucketState) isLimiterState() {}

// stateEnvelope is the serialized form of a LimiterState.
type stateEnvelope struct {
	Algorithm Algorithm       `json:"algorithm"`
	State     json.RawMessage `json:"state"`
}

// EncodeState serializes a LimiterState into a self-describing JSON document.
//
// Remote stores use it to persist state; DecodeState restores a value that
// yields the same admission decisions as the original for the same timestamps.
func EncodeState(state LimiterState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("encode state: nil state")
	}
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return json.Marshal(stateEnvelope{Algorithm: state.Algorithm(), State: body})
}

// DecodeState restores a LimiterState produced by EncodeState.
func DecodeState(data []byte) (LimiterState, error) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	var state LimiterState
	switch env.Algorithm {
	case AlgorithmFixedWindow:
		state = &FixedWindowState{}
	case AlgorithmSlidingWindow:
		state = &SlidingWindowState{}
	case AlgorithmTokenBucket:
		state = &TokenBucketState{}
	case AlgorithmLeakyBucket:
		state = &LeakyBucketState{}
	default:
		return nil, fmt.Errorf("decode state: %w: %q", ErrUnknownAlgorithm, env.Algorithm)
	}

	if err := json.Unmarshal(env.State, state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", env.Algorithm, err)
	}
	return state, nil
}
