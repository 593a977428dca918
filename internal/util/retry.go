package util

import (
	"context"
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry and Poll return it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to max+1 times with exponential backoff.
func Retry(ctx context.Context, max int, backoff time.Duration, fn func() error) error {
	return attempt(ctx, max, func(n int) time.Duration {
		return backoff * time.Duration(1<<n)
	}, fn)
}

// Poll runs fn up to max+1 times at a fixed interval.
func Poll(ctx context.Context, max int, interval time.Duration, fn func() error) error {
	return attempt(ctx, max, func(int) time.Duration { return interval }, fn)
}

func attempt(ctx context.Context, max int, delay func(n int) time.Duration, fn func() error) error {
	var err error
	for n := 0; n <= max; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if n == max {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay(n)):
		}
	}
	return err
}
