package provider

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy decides how often and how long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(err error) bool
}

// DefaultRetryPolicy retries once after two seconds, only on rate limiting.
func DefaultRetryPolicy() RetryPolicy {
	return FixedRetryPolicy(2, 2*time.Second)
}

func FixedRetryPolicy(attempts int, wait time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return wait },
		Retryable:   func(err error) bool { return errors.Is(err, ErrRateLimited) },
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts
// run out. It returns the number of attempts made. A cancelled context ends
// the wait early with ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == max || p.Retryable == nil || !p.Retryable(err) {
			return attempt, err
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return max, err
}
