// Package retry runs an operation with a bounded number of attempts and a
// delay between them.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Exponential doubles the delay after every attempt (with jitter)
	// instead of keeping it fixed.
	Exponential bool
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) backOff() backoff.BackOff {
	if p.Exponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Delay
		b.MaxInterval = 30 * p.Delay
		return b
	}
	return backoff.NewConstantBackOff(p.Delay)
}

// Do calls op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. It returns the number of calls made and the last
// error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts, err, wait)
			}
		}),
	)
	return attempts, err
}
