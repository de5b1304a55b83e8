// Package retry is the small bounded-retry helper the middleware uses to
// resolve a losing conditional write against a logically-expired row: a
// handful of attempts at a constant short delay, not the growing backoff a
// network client would use, because this loop is resolving a same-instant
// race against another process's Put rather than waiting out a transient
// network failure.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PermanentError wraps a non-retryable error, stopping Bounded immediately.
type PermanentError struct {
	err error
}

func (e PermanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e PermanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return PermanentError{err: err}
}

// IsPermanent reports whether err is marked as non-retryable.
func IsPermanent(err error) bool {
	var pe PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var bpe *backoff.PermanentError
	return errors.As(err, &bpe)
}

// Bounded calls fn up to maxAttempts times (attempt numbers starting at 0),
// waiting delay between attempts, stopping early on context cancellation or
// a Permanent error. It returns the last error once attempts are exhausted,
// or nil as soon as fn succeeds.
func Bounded(ctx context.Context, maxAttempts int, delay time.Duration, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := 0
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}

		err := fn(attempt)
		attempt++
		if err == nil {
			return struct{}{}, nil
		}
		if IsPermanent(err) {
			var bpe *backoff.PermanentError
			if errors.As(err, &bpe) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(
		ctx,
		op,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return err
}
