// Package retry centralizes the bounded retry policy applied to every
// external call (provider API, blob backend, task scheduler). Nothing in
// this codebase retries indefinitely: each loop is bounded by attempts, and
// callers mark non-retryable failures permanent to stop the loop early.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxTries is the total number of attempts, including the first.
	MaxTries uint

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
}

// DefaultPolicy matches the worst-case budget of a single sync run: a
// handful of attempts with sub-minute backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Permanent marks err as non-retryable, stopping the retry loop
// immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is done.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, p.options()...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op, p.options()...)
}

func (p Policy) options() []backoff.RetryOption {
	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}

	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	return []backoff.RetryOption{
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(tries),
	}
}
