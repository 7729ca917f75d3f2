// Package ratelimit provides framework-agnostic admission control.
//
// A Limiter resolves an (identifier, config) pair to per-key state held in a
// KeyStore, applies one of four admission algorithms (fixed window, sliding
// window, token bucket, leaky bucket) and returns an AdmissionResult. Outcomes
// can be forwarded to an Observer such as the violation monitor without
// adding latency to the admission path.
package ratelimit

import (
	"context"
	"time"
)

// KeyStore holds LimiterState per storage key.
//
// Implementations can keep state in memory or in a remote service.
// All methods must be safe for concurrent use.
type KeyStore interface {
	// Get returns the state stored under key together with its version.
	//
	// A nil state means the key is absent or idle-expired. The version is
	// still reported for expired entries that physically exist so that a
	// subsequent CompareAndSwap can replace them.
	Get(ctx context.Context, key string) (state LimiterState, version uint64, err error)

	// CompareAndSwap stores state if the current version equals version.
	//
	// A version of 0 means "create only if no entry exists". On success the
	// stored version is incremented and the idle TTL refreshed. Returns false
	// without error when another writer got there first.
	CompareAndSwap(ctx context.Context, key string, version uint64, state LimiterState, ttl time.Duration) (bool, error)

	// Put unconditionally stores state under key with the given idle TTL.
	Put(ctx context.Context, key string, state LimiterState, ttl time.Duration) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that can physically remove idle entries.
type Sweeper interface {
	// Sweep removes entries whose idle TTL elapsed before now and returns
	// how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// KeyCounter is implemented by stores that can report their size.
type KeyCounter interface {
	KeyCount(ctx context.Context) (int, error)
}

// Observer receives admission outcomes from a Limiter.
//
// ObserveAdmission is called from a single background goroutine owned by the
// Limiter, never from the admission path itself. Implementations must not
// assume any particular latency between the check and the call.
type Observer interface {
	ObserveAdmission(outcome Outcome)
}

// Outcome is the immutable summary of one admission check handed to an Observer.
type Outcome struct {
	Identifier     string
	Allowed        bool
	Algorithm      Algorithm
	Endpoint       string
	SourceIP       string
	Cost           int
	Timestamp      time.Time
	ProcessingTime time.Duration

	// StateBytes is an estimate of the per-key state size after the check.
	StateBytes int
}

// RateLimitMetrics defines the interface for recording limiter metrics.
//
// Implementations can use Prometheus, StatsD, or custom metrics systems.
type RateLimitMetrics interface {
	// RecordAllowed records a check that admitted the request.
	RecordAllowed(algorithm Algorithm, endpoint string)

	// RecordDenied records a check that rejected the request.
	RecordDenied(algorithm Algorithm, endpoint string)

	// RecordCheckDuration records how long a check took end to end.
	RecordCheckDuration(algorithm Algorithm, duration time.Duration)

	// SetActiveKeys records the current number of keys in the store.
	SetActiveKeys(count int)

	// RecordEviction records keys removed by LRU pressure or idle sweeps.
	RecordEviction(reason string, count int)

	// RecordStorageFallback records a switch from the remote store to memory.
	RecordStorageFallback()

	// RecordDroppedEvent records an outcome that could not be queued for the observer.
	RecordDroppedEvent()
}

// Clock provides an abstraction for time operations to enable testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is a Clock implementation that uses the system time.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}
