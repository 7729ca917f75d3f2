package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeState_UnknownAlgorithm(t *testing.T) {
	_, err := DecodeState([]byte(`{"algorithm":"gcra","state":{}}`))
	if !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("DecodeState() error = %v, want ErrUnknownAlgorithm", err)
	}

	if _, err := DecodeState([]byte(`not json`)); err == nil {
		t.Error("DecodeState() should fail on malformed input")
	}
	if _, err := EncodeState(nil); err == nil {
		t.Error("EncodeState(nil) should fail")
	}
}

// Restoring a serialized state must not change any later decision.
func TestEncodeDecodeState_ResumesIdentically(t *testing.T) {
	tests := []struct {
		name string
		cfg  RateLimitConfig
	}{
		{name: "fixed window", cfg: FixedWindowConfig{Window: 10 * time.Second, MaxRequests: 7}},
		{name: "sliding window", cfg: SlidingWindowConfig{Window: 10 * time.Second, Precision: time.Second, MaxRequests: 7}},
		{name: "token bucket", cfg: TokenBucketConfig{Capacity: 7, RefillRatePerSec: 0.7, TokenCost: 0.5}},
		{name: "leaky bucket", cfg: LeakyBucketConfig{Capacity: 7, LeakRatePerSec: 0.3}},
	}

	// Irregular timestamps, including a backwards step.
	offsets := []time.Duration{0, 100 * time.Millisecond, 150 * time.Millisecond, 2 * time.Second, 1900 * time.Millisecond,
		3 * time.Second, 3 * time.Second, 7 * time.Second, 11 * time.Second, 11500 * time.Millisecond, 25 * time.Second}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var direct, restored LimiterState
			for i, off := range offsets {
				now := testBase.Add(off)

				nextDirect, want, err := decide(tt.cfg, direct, now, 1)
				if err != nil {
					t.Fatalf("decide() error = %v", err)
				}

				if restored != nil {
					data, err := EncodeState(restored)
					if err != nil {
						t.Fatalf("EncodeState() error = %v", err)
					}
					restored, err = DecodeState(data)
					if err != nil {
						t.Fatalf("DecodeState() error = %v", err)
					}
				}
				nextRestored, got, err := decide(tt.cfg, restored, now, 1)
				if err != nil {
					t.Fatalf("decide() after restore error = %v", err)
				}

				if got.allowed != want.allowed || got.remaining != want.remaining || !got.resetAt.Equal(want.resetAt) || got.retryAfter != want.retryAfter {
					t.Fatalf("step %d: restored verdict %+v differs from %+v", i, got, want)
				}
				direct, restored = nextDirect, nextRestored
			}
		})
	}
}
