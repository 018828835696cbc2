package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds retries for external effects: exponential backoff with a
// hard attempt cap. Effects must be idempotent, so retrying is always safe.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// DefaultPolicy matches the coordinator's effect retry budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
	}
}

// Do runs op with the policy's backoff. Returns the last error when the
// attempt budget is exhausted.
func (p Policy) Do(ctx context.Context, op func() error) error {
	wrapped := func() (struct{}, error) {
		return struct{}{}, op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval

	_, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	return err
}

// Permanent marks an error as non-retriable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
