// Package source defines the contract for pulling raw service-request rows
// from a remote open-data endpoint, plus the JSON decoding shared by readers.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nyc311/internal/record"
)

// ErrSourceUnavailable is wrapped by Fetch when the endpoint could not be read
// after every retry attempt.
var ErrSourceUnavailable = errors.New("source unavailable")

// Reader fetches raw records created strictly after since, newest first.
//
// When to use:
//   - The pipeline calls Fetch once per cycle.
//   - A nil since means "no lower bound" (first run).
//
// Errors:
//   - ErrSourceUnavailable (wrapped) when retries are exhausted.
//   - *StatusError for non-retryable upstream responses.
//   - Decode errors for malformed bodies.
type Reader interface {
	Fetch(ctx context.Context, since *time.Time) ([]record.Raw, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, since *time.Time) ([]record.Raw, error)

// Fetch calls f.
func (f ReaderFunc) Fetch(ctx context.Context, since *time.Time) ([]record.Raw, error) {
	return f(ctx, since)
}

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	StatusCode int
	Message    string

	// Wait is the server's Retry-After hint, zero when absent.
	Wait time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// RetryAfter exposes the Retry-After hint to retry.Policy.
func (e *StatusError) RetryAfter() time.Duration { return e.Wait }

// Temporary reports whether the status is worth retrying: rate limiting or a
// transient upstream failure.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TransportError is a failure below HTTP (timeout, reset, refused).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Retryable classifies errors for retry.Policy: transport failures and
// temporary statuses are retried, everything else aborts.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}
