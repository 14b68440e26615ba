package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff()

		expected := []time.Duration{
			250 * time.Millisecond,
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			10 * time.Second,
			10 * time.Second, // stays at max
		}

		for i, exp := range expected {
			base := b.Current()
			_ = b.Next()

			if base < exp-time.Millisecond || base > exp+time.Millisecond {
				t.Errorf("Attempt %d: base = %v, want %v", i, base, exp)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()

		samples := make([]time.Duration, 10)
		for i := range samples {
			samples[i] = b.Peek()
		}

		upper := time.Duration(float64(InitialBackoff)*(1+JitterFactor)) + time.Millisecond
		for i, s := range samples {
			if s < InitialBackoff || s > upper {
				t.Errorf("Sample %d: %v out of expected range [%v, %v]", i, s, InitialBackoff, upper)
			}
		}

		allSame := true
		for i := 1; i < len(samples); i++ {
			if samples[i] != samples[0] {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("All jittered samples are identical - jitter may not be working")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()

		for i := 0; i < 5; i++ {
			b.Next()
		}

		if b.Current() <= InitialBackoff {
			t.Error("Backoff should have increased")
		}

		b.Reset()

		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("Attempts", func(t *testing.T) {
		b := NewBackoff()

		if b.Attempts() != 0 {
			t.Errorf("Initial Attempts() = %d, want 0", b.Attempts())
		}

		for i := 1; i <= 5; i++ {
			b.Next()
			if b.Attempts() != i {
				t.Errorf("After %d calls, Attempts() = %d", i, b.Attempts())
			}
		}
	})

	t.Run("CustomConfig", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0,
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond,
			500 * time.Millisecond,
		}

		for i, exp := range expected {
			got := b.Next()
			if got != exp {
				t.Errorf("Attempt %d: got %v, want %v", i, got, exp)
			}
		}
	})

	t.Run("MaxBelowInitial", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Max: time.Millisecond})
		if got := b.Next(); got != time.Second {
			t.Errorf("Next() = %v, want 1s", got)
		}
		if got := b.Current(); got != time.Second {
			t.Errorf("Current() = %v, want 1s", got)
		}
	})
}

func fastBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Initial: 5 * time.Millisecond,
		Max:     20 * time.Millisecond,
	})
}

func TestRetry(t *testing.T) {
	t.Run("FirstAttemptSucceeds", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		var calls atomic.Int32
		var retries []int
		b := fastBackoff()
		err := Retry(context.Background(), RetryPolicy{
			MaxAttempts: 5,
			Backoff:     b,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				retries = append(retries, attempt)
			},
		}, func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
		if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
			t.Errorf("retries = %v, want [1 2]", retries)
		}
		if b.Attempts() != 0 {
			t.Errorf("backoff not reset after success: attempts = %d", b.Attempts())
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		failure := errors.New("refused")
		var calls atomic.Int32
		err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Backoff: fastBackoff()}, func(ctx context.Context) error {
			calls.Add(1)
			return failure
		})
		if !errors.Is(err, ErrAttemptsExhausted) {
			t.Errorf("err = %v, want ErrAttemptsExhausted", err)
		}
		if !errors.Is(err, failure) {
			t.Errorf("err = %v, want wrapped failure", err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("SingleAttemptReturnsErrorAsIs", func(t *testing.T) {
		failure := errors.New("refused")
		err := Retry(context.Background(), RetryPolicy{}, func(ctx context.Context) error {
			return failure
		})
		if err != failure {
			t.Errorf("err = %v, want %v", err, failure)
		}
	})

	t.Run("Permanent", func(t *testing.T) {
		failure := errors.New("unknown server")
		var calls atomic.Int32
		err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, Backoff: fastBackoff()}, func(ctx context.Context) error {
			calls.Add(1)
			return Permanent(failure)
		})
		if err != failure {
			t.Errorf("err = %v, want %v", err, failure)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("NotRetryable", func(t *testing.T) {
		failure := errors.New("bad request")
		var calls atomic.Int32
		err := Retry(context.Background(), RetryPolicy{
			MaxAttempts: 5,
			Backoff:     fastBackoff(),
			Retryable:   func(err error) bool { return false },
		}, func(ctx context.Context) error {
			calls.Add(1)
			return failure
		})
		if err != failure {
			t.Errorf("err = %v, want %v", err, failure)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("ContextCancelledWhileWaiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		failure := errors.New("refused")
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Minute})

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, RetryPolicy{MaxAttempts: 3, Backoff: b}, func(ctx context.Context) error {
				return failure
			})
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("err = %v, want context.Canceled", err)
			}
			if !errors.Is(err, failure) {
				t.Errorf("err = %v, want wrapped failure", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Retry did not return after cancel")
		}
	})

	t.Run("PermanentNil", func(t *testing.T) {
		if Permanent(nil) != nil {
			t.Error("Permanent(nil) should be nil")
		}
	})
}
