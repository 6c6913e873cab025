package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures exponential backoff with ±20% jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Policy builds a fresh exponential schedule with no elapsed-time limit.
func (b Backoff) Policy() *backoff.ExponentialBackOff {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = base
	p.Multiplier = 2
	p.RandomizationFactor = 0.2
	p.MaxElapsedTime = 0
	if b.Max > 0 {
		p.MaxInterval = b.Max
	}
	p.Reset()
	return p
}

// Retry calls fn up to attempts times, sleeping with b between failures.
// It stops early when ctx ends or retryable reports false for the error,
// and always returns the last error fn produced.
func Retry(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	op := func() error {
		last = fn(ctx)
		if last != nil && retryable != nil && !retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b.Policy(), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err == nil {
		return nil
	}
	return last
}
