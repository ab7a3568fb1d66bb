package synthesis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a remote call is attempted. The wait before attempt
// n+1 is BaseDelay * 2^n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the engine's tolerance for a cold start: five attempts,
// waiting 2s, 4s, 8s and 16s in between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// RetryNotify is called before each backoff wait with the attempt that just failed.
type RetryNotify func(attempt int, err error, delay time.Duration)

// Retry calls op until it succeeds, the policy runs out of attempts, op returns a
// Permanent error, or ctx is done. Cancellation wins over everything else and is
// reported as context.Cause(ctx).
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error), notify RetryNotify) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = policy.BaseDelay
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxInterval = time.Duration(math.MaxInt64)

	attempts := 0
	operation := func() (T, error) {
		if ctx.Err() != nil {
			return zero, backoff.Permanent(context.Cause(ctx))
		}
		attempts++
		res, err := op(ctx)
		if err != nil && IsPermanent(err) {
			return zero, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, delay time.Duration) {
			notify(attempts, err, delay)
		}))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return zero, context.Cause(ctx)
	}
	if IsPermanent(err) {
		return zero, err
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
}
