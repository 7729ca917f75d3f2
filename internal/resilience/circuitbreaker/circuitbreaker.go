// Package circuitbreaker guards outbound alert delivery with
// github.com/sony/gobreaker so a dead endpoint is not hammered on every
// violation.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Config describes when a breaker trips and how it recovers.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureThreshold is the failure ratio (0-1) that trips the breaker
	// once MinRequests calls have been counted.
	FailureThreshold float64
	MinRequests      uint32

	// OnStateChange is called after the breaker has logged a transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// WebhookConfig suits an alert webhook: trip after half of at least three
// deliveries fail, probe once after 30s.
func WebhookConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      3,
	}
}

// CircuitBreaker is a named gobreaker.CircuitBreaker for error-only calls.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker from cfg.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= cfg.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})}
}

// Do runs fn unless the breaker is open. A rejected call returns an error
// for which IsRejected is true.
func (b *CircuitBreaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.cb.Name() }

// State returns the current state.
func (b *CircuitBreaker) State() gobreaker.State { return b.cb.State() }

// IsRejected reports whether err means the breaker refused the call
// without running it.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
