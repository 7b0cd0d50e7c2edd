// Package retry provides an explicit retry policy: a bounded attempt count, a
// backoff function and a classifier for which failures are worth retrying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by Do when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how an operation is retried.
//
// The zero value is not useful; start from Default and override fields.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff returns the wait after the failed attempt with the given
	// zero-based index.
	Backoff func(attempt int) time.Duration

	// Retryable reports whether err should be retried. A nil Retryable
	// retries every error.
	Retryable func(err error) bool

	// Sleep waits for d or until ctx is done. Tests replace it to record
	// waits without blocking.
	Sleep func(ctx context.Context, d time.Duration) error

	// MaxWait caps a single wait, server hints included. Zero means no cap.
	MaxWait time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Hinter is implemented by errors that carry a server-suggested minimum wait
// (for example an HTTP Retry-After header).
type Hinter interface {
	RetryAfter() time.Duration
}

// DefaultMaxWait bounds Retry-After hints under Default.
const DefaultMaxWait = time.Minute

// Default returns 5 attempts with 2^attempt second backoff, each wait capped
// at DefaultMaxWait.
func Default(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     Exponential(time.Second),
		MaxWait:     DefaultMaxWait,
		Retryable:   retryable,
		Sleep:       SleepContext,
	}
}

// Exponential returns base * 2^attempt.
func Exponential(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return base << uint(attempt)
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, ctx is done,
// or MaxAttempts is reached.
//
// Errors:
//   - A non-retryable error is returned as-is.
//   - When attempts run out the result wraps both ErrExhausted and the last
//     error from fn.
//   - ctx cancellation during a wait returns ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err

		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.wait(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func (p Policy) wait(attempt int, err error) time.Duration {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(attempt)
	}
	var h Hinter
	if errors.As(err, &h) {
		if ra := h.RetryAfter(); ra > d {
			d = ra
		}
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// SleepContext blocks for d or until ctx is done, whichever is first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
