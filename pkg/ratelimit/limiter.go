package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultObserverQueueSize is the number of outcomes buffered for the observer.
	DefaultObserverQueueSize = 4096

	// DefaultMaxAttempts bounds the compare-and-swap loop of one check.
	DefaultMaxAttempts = 8

	// DefaultCleanupInterval is how often RunMaintenance sweeps idle state.
	DefaultCleanupInterval = time.Minute

	// ReasonStateConflict marks a check denied because the key's state kept
	// changing underneath it.
	ReasonStateConflict = "state_conflict"

	conflictRetryAfter = 100 * time.Millisecond
)

// paddedMutex wraps a sync.Mutex with padding to prevent false sharing.
// sync.Mutex is 8 bytes on 64-bit systems; 56 bytes of padding give each
// mutex its own cache line.
type paddedMutex struct {
	sync.Mutex
	_ [56]byte
}

// LimiterConfig holds the collaborators of a Limiter. Every field is optional.
type LimiterConfig struct {
	// Store holds per-key state. Default: a MemoryKeyStore.
	// Stores that do not report a StorageType are wrapped in a
	// FallbackKeyStore so that backend failures degrade to memory.
	Store KeyStore

	// Policies resolves policy names for CheckPolicy. Default: an empty registry.
	Policies *PolicyRegistry

	// Observer receives every outcome asynchronously. Default: none.
	Observer Observer

	// ObserverQueueSize bounds the outcome queue. Default: 4096.
	ObserverQueueSize int

	// MaxAttempts bounds the compare-and-swap retries of one check. Default: 8.
	MaxAttempts int

	// CleanupInterval is the sweep period of RunMaintenance. Default: 1m.
	CleanupInterval time.Duration

	// OnMaintenance is called after every maintenance pass with the number
	// of keys removed and the time the pass took. Optional.
	OnMaintenance func(removed int, took time.Duration)

	Metrics RateLimitMetrics
	Clock   Clock
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Limiter is the admission-control façade.
//
// It resolves an (identifier, config) pair to a storage key, runs the
// matching algorithm against the stored state and writes the new state
// back. Checks for the same key are serialized inside the process by a
// key-sharded mutex; the store's CompareAndSwap serializes them across
// processes sharing a remote store.
//
// A Limiter is safe for concurrent use. Call Close to stop the observer
// worker.
type Limiter struct {
	store       KeyStore
	policies    *PolicyRegistry
	metrics     RateLimitMetrics
	clock       Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
	cleanup     time.Duration
	onMaintain  func(int, time.Duration)

	locks [shardCount]paddedMutex

	observer  Observer
	events    chan Outcome
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewLimiter creates a Limiter and starts its observer worker when an
// Observer is configured.
func NewLimiter(config LimiterConfig) *Limiter {
	if config.Metrics == nil {
		config.Metrics = &NoOpRateLimitMetrics{}
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer("admission-engine/ratelimit")
	}
	if config.Policies == nil {
		config.Policies = NewPolicyRegistry()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.ObserverQueueSize <= 0 {
		config.ObserverQueueSize = DefaultObserverQueueSize
	}

	switch config.Store.(type) {
	case nil:
		memCfg := DefaultMemoryStoreConfig()
		memCfg.Clock = config.Clock
		memCfg.Metrics = config.Metrics
		config.Store = NewMemoryKeyStore(memCfg)
	case interface{ StorageType() StorageType }:
	default:
		memCfg := DefaultMemoryStoreConfig()
		memCfg.Clock = config.Clock
		memCfg.Metrics = config.Metrics
		config.Store = NewFallbackKeyStore(config.Store, FallbackConfig{
			Memory:  NewMemoryKeyStore(memCfg),
			Metrics: config.Metrics,
			Logger:  config.Logger,
		})
	}

	l := &Limiter{
		store:       config.Store,
		policies:    config.Policies,
		metrics:     config.Metrics,
		clock:       config.Clock,
		logger:      config.Logger,
		tracer:      config.Tracer,
		maxAttempts: config.MaxAttempts,
		cleanup:     config.CleanupInterval,
		onMaintain:  config.OnMaintenance,
		observer:    config.Observer,
		done:        make(chan struct{}),
	}

	if l.observer != nil {
		l.events = make(chan Outcome, config.ObserverQueueSize)
		go l.runObserver()
	} else {
		close(l.done)
	}
	return l
}

// Policies returns the registry CheckPolicy resolves names against.
func (l *Limiter) Policies() *PolicyRegistry {
	return l.policies
}

// CheckOption customizes a single check.
type CheckOption func(*checkOptions)

type checkOptions struct {
	cost     int
	endpoint string
	sourceIP string
}

// WithCost charges n units instead of one.
func WithCost(n int) CheckOption {
	return func(o *checkOptions) { o.cost = n }
}

// WithEndpoint tags the check with the endpoint it protects. The endpoint
// is forwarded to the observer and used as a metric label.
func WithEndpoint(endpoint string) CheckOption {
	return func(o *checkOptions) { o.endpoint = endpoint }
}

// WithSourceIP tags the check with the caller's address for the observer.
func WithSourceIP(ip string) CheckOption {
	return func(o *checkOptions) { o.sourceIP = ip }
}

// StorageKey returns the key under which the state of identifier is stored
// for cfg: rl:{algorithm}:{fingerprint}:{identifier}.
func StorageKey(identifier string, cfg RateLimitConfig) string {
	return "rl:" + string(cfg.Algorithm()) + ":" + cfg.Fingerprint() + ":" + identifier
}

// CheckPolicy checks identifier against the policy registered under name.
func (l *Limiter) CheckPolicy(ctx context.Context, identifier, policy string, opts ...CheckOption) (*AdmissionResult, error) {
	cfg, ok := l.policies.Get(policy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	return l.CheckLimit(ctx, identifier, cfg, opts...)
}

// CheckLimit decides whether one request (or cost units) for identifier is
// admitted under cfg.
//
// Algorithm:
//  1. Validate the input and derive the storage key
//  2. Lock the key's shard for the rest of the check
//  3. Load the state, run the algorithm, compare-and-swap the new state
//  4. Repeat step 3 on conflict, up to MaxAttempts times
//  5. Queue the outcome for the observer without waiting for it
//
// Rejection is reported through AdmissionResult.Allowed, not as an error.
// Errors are returned only for invalid input (ErrEmptyIdentifier,
// ErrInvalidConfig) and for a cancelled ctx.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, cfg RateLimitConfig, opts ...CheckOption) (*AdmissionResult, error) {
	started := time.Now()

	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := checkOptions{cost: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cost < 1 {
		return nil, fmt.Errorf("%w: cost must be at least 1, got %d", ErrInvalidConfig, o.cost)
	}

	algorithm := cfg.Algorithm()
	ctx, span := l.tracer.Start(ctx, "ratelimit.CheckLimit",
		trace.WithAttributes(
			attribute.String("ratelimit.algorithm", string(algorithm)),
			attribute.String("ratelimit.endpoint", o.endpoint),
			attribute.Int("ratelimit.cost", o.cost),
		),
	)
	defer span.End()

	key := StorageKey(identifier, cfg)
	lock := &l.locks[fnv32a(key)%shardCount]
	lock.Lock()
	state, v, err := l.admit(ctx, key, cfg, o.cost)
	lock.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check %s: %w", key, err)
	}

	result := &AdmissionResult{
		Identifier:  identifier,
		Key:         key,
		Allowed:     v.allowed,
		Limit:       cfg.Limit(),
		Remaining:   v.remaining,
		ResetAt:     v.resetAt,
		RetryAfter:  v.retryAfter,
		Algorithm:   algorithm,
		StorageType: l.StorageType(),
		Detail:      v.detail,
	}
	if state == nil {
		result.Reason = ReasonStateConflict
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", result.Allowed),
		attribute.Int("ratelimit.remaining", result.Remaining),
		attribute.String("ratelimit.storage", string(result.StorageType)),
	)

	elapsed := time.Since(started)
	if result.Allowed {
		l.metrics.RecordAllowed(algorithm, o.endpoint)
	} else {
		l.metrics.RecordDenied(algorithm, o.endpoint)
	}
	l.metrics.RecordCheckDuration(algorithm, elapsed)

	if l.observer != nil {
		outcome := Outcome{
			Identifier:     identifier,
			Allowed:        result.Allowed,
			Algorithm:      algorithm,
			Endpoint:       o.endpoint,
			SourceIP:       o.sourceIP,
			Cost:           o.cost,
			Timestamp:      l.clock.Now(),
			ProcessingTime: elapsed,
		}
		if state != nil {
			outcome.StateBytes = state.SizeBytes()
		}
		l.publish(outcome)
	}

	return result, nil
}

// admit runs the compare-and-swap loop for key. A nil state with a nil
// error means every attempt conflicted; the returned verdict is then a
// denial.
//
// The caller must hold the key's shard lock.
func (l *Limiter) admit(ctx context.Context, key string, cfg RateLimitConfig, cost int) (LimiterState, verdict, error) {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, verdict{}, err
		}
		prev, version, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, verdict{}, err
		}

		now := l.clock.Now()
		next, v, err := decide(cfg, prev, now, cost)
		if err != nil {
			// Undecodable or foreign state is replaced rather than trusted.
			l.logger.Warn("discarding stored limiter state",
				slog.String("key", key),
				slog.Any("error", err),
			)
			next, v, _ = decide(cfg, nil, now, cost)
		}
		if v.skew > 0 {
			l.logger.Warn("clock skew detected, keeping stored time",
				slog.String("key", key),
				slog.Duration("skew", v.skew),
			)
		}

		ok, err := l.store.CompareAndSwap(ctx, key, version, next, cfg.IdleTTL())
		if err != nil {
			return nil, verdict{}, err
		}
		if ok {
			return next, v, nil
		}

		l.logger.Debug("limiter state changed concurrently, retrying",
			slog.String("key", key),
			slog.Int("attempt", attempt),
		)
	}

	l.logger.Warn("denying check after repeated state conflicts",
		slog.String("key", key),
		slog.Any("error", ErrStateConflict),
		slog.Int("attempts", l.maxAttempts),
	)
	now := l.clock.Now()
	return nil, verdict{
		allowed:    false,
		remaining:  0,
		resetAt:    now.Add(conflictRetryAfter),
		retryAfter: conflictRetryAfter,
	}, nil
}

// decide dispatches to the algorithm selected by cfg.
func decide(cfg RateLimitConfig, prev LimiterState, now time.Time, cost int) (LimiterState, verdict, error) {
	switch c := cfg.(type) {
	case FixedWindowConfig:
		st, err := stateAs[*FixedWindowState](prev)
		if err != nil {
			return nil, verdict{}, err
		}
		next, v := decideFixedWindow(c, st, now, cost)
		return next, v, nil
	case SlidingWindowConfig:
		st, err := stateAs[*SlidingWindowState](prev)
		if err != nil {
			return nil, verdict{}, err
		}
		next, v := decideSlidingWindow(c, st, now, cost)
		return next, v, nil
	case TokenBucketConfig:
		st, err := stateAs[*TokenBucketState](prev)
		if err != nil {
			return nil, verdict{}, err
		}
		next, v := decideTokenBucket(c, st, now, cost)
		return next, v, nil
	case LeakyBucketConfig:
		st, err := stateAs[*LeakyBucketState](prev)
		if err != nil {
			return nil, verdict{}, err
		}
		next, v := decideLeakyBucket(c, st, now, cost)
		return next, v, nil
	default:
		return nil, verdict{}, fmt.Errorf("%w: %T", ErrUnknownAlgorithm, cfg)
	}
}

func stateAs[T LimiterState](prev LimiterState) (T, error) {
	var zero T
	if prev == nil {
		return zero, nil
	}
	st, ok := prev.(T)
	if !ok {
		return zero, fmt.Errorf("%w: found %s state", ErrStateMismatch, prev.Algorithm())
	}
	return st, nil
}

// Reset forgets the state of identifier under cfg.
func (l *Limiter) Reset(ctx context.Context, identifier string, cfg RateLimitConfig) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	key := StorageKey(identifier, cfg)
	lock := &l.locks[fnv32a(key)%shardCount]
	lock.Lock()
	defer lock.Unlock()
	return l.store.Delete(ctx, key)
}

// StorageType reports which kind of store currently serves checks.
func (l *Limiter) StorageType() StorageType {
	if st, ok := l.store.(interface{ StorageType() StorageType }); ok {
		return st.StorageType()
	}
	return StorageRemote
}

// RunMaintenance sweeps idle state every CleanupInterval and reports the
// store size until ctx is cancelled.
func (l *Limiter) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Maintain(ctx)
		}
	}
}

// Maintain runs one maintenance pass and returns the number of idle keys
// it removed.
func (l *Limiter) Maintain(ctx context.Context) int {
	started := time.Now()
	removed := 0
	if sweeper, ok := l.store.(Sweeper); ok {
		n, err := sweeper.Sweep(ctx, l.clock.Now())
		if err != nil {
			l.logger.Warn("failed to sweep idle limiter state", slog.Any("error", err))
		} else if n > 0 {
			removed = n
			l.logger.Debug("swept idle limiter state", slog.Int("removed", n))
		}
	}

	if counter, ok := l.store.(KeyCounter); ok {
		count, err := counter.KeyCount(ctx)
		if err != nil {
			l.logger.Warn("failed to count limiter keys", slog.Any("error", err))
		} else {
			l.metrics.SetActiveKeys(count)
		}
	}

	if l.onMaintain != nil {
		l.onMaintain(removed, time.Since(started))
	}
	return removed
}

// publish queues an outcome for the observer, dropping it when the queue
// is full or the limiter is closed.
func (l *Limiter) publish(outcome Outcome) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	if l.closed {
		return
	}
	select {
	case l.events <- outcome:
	default:
		l.metrics.RecordDroppedEvent()
	}
}

func (l *Limiter) runObserver() {
	defer close(l.done)
	for outcome := range l.events {
		l.deliver(outcome)
	}
}

func (l *Limiter) deliver(outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("observer panicked",
				slog.String("identifier", outcome.Identifier),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.observer.ObserveAdmission(outcome)
}

// Close stops accepting outcomes, waits until the observer has processed
// the queued ones and returns. Checks made after Close still work but are
// no longer observed.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		if l.events != nil {
			close(l.events)
		}
		l.closeMu.Unlock()
	})
	<-l.done
	return nil
}
