package connection

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned (wrapped around the last attempt's
// error) when Retry gives up.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// AttemptFunc performs one attempt. It returns nil on success.
type AttemptFunc func(ctx context.Context) error

// RetryPolicy controls Retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// Backoff supplies delays between attempts. Nil uses NewBackoff().
	Backoff *Backoff

	// Retryable reports whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping for the given delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so that Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Retry runs fn until it succeeds, the policy gives up, or ctx ends.
// The returned error is the last attempt's error; when attempts ran out it
// is additionally wrapped with ErrAttemptsExhausted. A context that ends
// while waiting returns the context's error joined with the last failure.
func Retry(ctx context.Context, policy RetryPolicy, fn AttemptFunc) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			backoff.Reset()
			return nil
		}

		var p *permanent
		if errors.As(lastErr, &p) {
			return p.err
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= attempts {
			if attempts == 1 {
				return lastErr
			}
			return errors.Join(ErrAttemptsExhausted, lastErr)
		}

		delay := backoff.Next()
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}
