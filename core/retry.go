package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff for transient store errors.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy retries three times starting at 20ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Initial:  20 * time.Millisecond,
	Max:      500 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.Max
	if p.Max <= 0 {
		exp.MaxInterval = backoff.DefaultMaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}
