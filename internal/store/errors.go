package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error classes for persistence failures. Backends wrap driver errors with
// one of these so callers can decide whether a retry makes sense.
var (
	// ErrTransient marks a failure that may succeed when retried: connection
	// resets, timeouts, serialization conflicts.
	ErrTransient = errors.New("transient store error")

	// ErrPermanent marks a failure a retry cannot fix: schema or constraint
	// violations other than the expected unique-key duplicate, bad data.
	ErrPermanent = errors.New("permanent store error")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether err is worth retrying. Errors explicitly
// classified permanent never are; unclassified network timeouts are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
