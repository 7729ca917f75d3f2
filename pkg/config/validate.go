package config

import (
	"cmp"
	"errors"
	"fmt"
	"time"
)

// Validation errors, wrapped with the offending value.
var (
	ErrNotPositive = errors.New("must be positive")
	ErrOutOfRange  = errors.New("out of range")
)

func positive[T cmp.Ordered](v T) error {
	var zero T
	if v <= zero {
		return fmt.Errorf("%v %w", v, ErrNotPositive)
	}
	return nil
}

func inRange[T cmp.Ordered](v, lo, hi T) error {
	if lo > hi {
		return fmt.Errorf("invalid range [%v, %v]: %w", lo, hi, ErrOutOfRange)
	}
	if v < lo || v > hi {
		return fmt.Errorf("%v not in [%v, %v]: %w", v, lo, hi, ErrOutOfRange)
	}
	return nil
}

// ValidatePositiveDuration rejects zero and negative windows, timeouts and
// intervals.
func ValidatePositiveDuration(d time.Duration) error {
	return positive(d)
}

// ValidateDurationRange checks lo <= d <= hi.
//
//	// the fallback timeout must stay well under a request's own budget
//	err := ValidateDurationRange(timeout, time.Millisecond, 5*time.Second)
func ValidateDurationRange(d, lo, hi time.Duration) error {
	return inRange(d, lo, hi)
}

// ValidateRatio accepts ratios in (0, 1].
func ValidateRatio(r float64) error {
	if err := positive(r); err != nil {
		return err
	}
	return inRange(r, 0, 1)
}
