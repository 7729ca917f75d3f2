package ratelimit

import "errors"

var (
	// ErrInvalidConfig is returned when a RateLimitConfig fails validation.
	ErrInvalidConfig = errors.New("ratelimit: invalid config")

	// ErrUnknownAlgorithm is returned for an algorithm name that is not recognised.
	ErrUnknownAlgorithm = errors.New("ratelimit: unknown algorithm")

	// ErrUnknownPolicy is returned by CheckPolicy when the named policy is not registered.
	ErrUnknownPolicy = errors.New("ratelimit: unknown policy")

	// ErrEmptyIdentifier is returned when a check is made without an identifier.
	ErrEmptyIdentifier = errors.New("ratelimit: empty identifier")

	// ErrStateConflict reports that a compare-and-swap kept losing to other writers.
	ErrStateConflict = errors.New("ratelimit: state conflict")

	// ErrStateMismatch is returned when stored state does not match the config's algorithm.
	ErrStateMismatch = errors.New("ratelimit: stored state does not match algorithm")
)
