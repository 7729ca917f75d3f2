package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultFallbackTimeout bounds each remote call made by FallbackKeyStore.
const DefaultFallbackTimeout = 50 * time.Millisecond

// FallbackKeyStore serves a remote KeyStore and degrades to memory.
//
// The first remote failure (an error or a call that outlives Timeout) latches
// the store into memory mode for the rest of the process lifetime. The
// failing call and every later call are then served by an in-memory store.
// Admission stays available, but limits are enforced per process from then
// on and the in-memory state starts empty.
//
// There is no automatic return to the remote store: flapping between two
// sources of truth would hand out fresh budgets on every switch.
type FallbackKeyStore struct {
	remote  KeyStore
	memory  *MemoryKeyStore
	timeout time.Duration
	metrics RateLimitMetrics
	logger  *slog.Logger

	fallen atomic.Bool
}

// FallbackConfig holds configuration for FallbackKeyStore.
type FallbackConfig struct {
	// Timeout bounds each remote call. Default: 50ms.
	Timeout time.Duration

	// Memory is the store used after the fallback.
	// Default: a MemoryKeyStore with DefaultMemoryStoreConfig.
	Memory *MemoryKeyStore

	// Metrics records the fallback. Default: NoOpRateLimitMetrics.
	Metrics RateLimitMetrics

	// Logger receives the fallback warning. Default: slog.Default().
	Logger *slog.Logger
}

// NewFallbackKeyStore wraps remote with an in-memory fallback.
func NewFallbackKeyStore(remote KeyStore, config FallbackConfig) *FallbackKeyStore {
	if config.Timeout <= 0 {
		config.Timeout = DefaultFallbackTimeout
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpRateLimitMetrics{}
	}
	if config.Memory == nil {
		memCfg := DefaultMemoryStoreConfig()
		memCfg.Metrics = config.Metrics
		config.Memory = NewMemoryKeyStore(memCfg)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &FallbackKeyStore{
		remote:  remote,
		memory:  config.Memory,
		timeout: config.Timeout,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
}

// StorageType reports which store currently serves requests.
func (s *FallbackKeyStore) StorageType() StorageType {
	if s.fallen.Load() {
		return StorageMemory
	}
	return StorageRemote
}

// Get implements KeyStore.
func (s *FallbackKeyStore) Get(ctx context.Context, key string) (LimiterState, uint64, error) {
	if !s.fallen.Load() {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		state, version, err := s.remote.Get(callCtx, key)
		cancel()
		if err == nil {
			return state, version, nil
		}
		if !s.fallBack(ctx, "get", err) {
			return nil, 0, err
		}
	}
	return s.memory.Get(ctx, key)
}

// CompareAndSwap implements KeyStore.
//
// A version obtained from the remote store means nothing to the memory
// store, so a CompareAndSwap that triggers the fallback reports a conflict
// and the caller retries against memory.
func (s *FallbackKeyStore) CompareAndSwap(ctx context.Context, key string, version uint64, state LimiterState, ttl time.Duration) (bool, error) {
	if !s.fallen.Load() {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		ok, err := s.remote.CompareAndSwap(callCtx, key, version, state, ttl)
		cancel()
		if err == nil {
			return ok, nil
		}
		if !s.fallBack(ctx, "compare_and_swap", err) {
			return false, err
		}
		return false, nil
	}
	return s.memory.CompareAndSwap(ctx, key, version, state, ttl)
}

// Put implements KeyStore.
func (s *FallbackKeyStore) Put(ctx context.Context, key string, state LimiterState, ttl time.Duration) error {
	if !s.fallen.Load() {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.remote.Put(callCtx, key, state, ttl)
		cancel()
		if err == nil {
			return nil
		}
		if !s.fallBack(ctx, "put", err) {
			return err
		}
	}
	return s.memory.Put(ctx, key, state, ttl)
}

// Delete implements KeyStore.
func (s *FallbackKeyStore) Delete(ctx context.Context, key string) error {
	if !s.fallen.Load() {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.remote.Delete(callCtx, key)
		cancel()
		if err == nil {
			return nil
		}
		if !s.fallBack(ctx, "delete", err) {
			return err
		}
	}
	return s.memory.Delete(ctx, key)
}

// Sweep removes idle entries from the memory store and, while the remote
// store is still in use and supports it, from the remote store.
func (s *FallbackKeyStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.memory.Sweep(ctx, now)
	if err != nil || s.fallen.Load() {
		return removed, err
	}

	sweeper, ok := s.remote.(Sweeper)
	if !ok {
		return removed, nil
	}
	n, err := sweeper.Sweep(ctx, now)
	return removed + n, err
}

// KeyCount reports the key count of the store currently in use, when known.
func (s *FallbackKeyStore) KeyCount(ctx context.Context) (int, error) {
	if !s.fallen.Load() {
		if counter, ok := s.remote.(KeyCounter); ok {
			return counter.KeyCount(ctx)
		}
	}
	return s.memory.KeyCount(ctx)
}

// fallBack latches the store into memory mode. It returns false when err was
// caused by the caller's own context, which is not a backend failure.
func (s *FallbackKeyStore) fallBack(ctx context.Context, op string, err error) bool {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}

	if s.fallen.CompareAndSwap(false, true) {
		s.metrics.RecordStorageFallback()
		s.logger.Warn("remote limiter store failed, falling back to memory for the process lifetime",
			slog.String("operation", op),
			slog.Any("error", err),
		)
	}
	return true
}
