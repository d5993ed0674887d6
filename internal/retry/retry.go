// Package retry runs a mutating call a bounded number of times with a
// linearly growing pause between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

type Policy struct {
	Attempts int
	// Delay is multiplied by the attempt number: 1×, 2×, ...
	Delay time.Duration
	// Retryable decides whether a failure is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

var ErrNoAttempts = errors.New("retry: attempts must be positive")

func Linear(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Do returns nil on the first success, or the last error once attempts are
// exhausted, a non-retryable error is seen, or ctx ends.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts <= 0 {
		return ErrNoAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == p.Attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, last)
		}
		if err := sleep(ctx, p.Delay*time.Duration(attempt)); err != nil {
			return errors.Join(last, err)
		}
	}
	return last
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
