// Package retry implements bounded retries with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying. Do returns the
// wrapped error immediately when fn produces one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops retrying and returns err as-is.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times, sleeping between attempts with
// exponential backoff and jitter. It returns nil as soon as fn succeeds,
// the wrapped error when fn returns a *PermanentError, ctx.Err() when the
// context ends during backoff, and otherwise the last error fn returned.
// maxAttempts below 1 is treated as 1.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return run(ctx, maxAttempts, baseDelay, nil, nil, fn)
}

// DoWithUnlock behaves like Do for callers holding a mutex: unlock runs
// before each backoff sleep and relock after, so other goroutines queued
// on the same lock are not starved while this one waits. fn always runs
// with the lock held, and the lock is held again when DoWithUnlock
// returns after any sleep, including a context abort mid-sleep.
func DoWithUnlock(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {
	return run(ctx, maxAttempts, baseDelay, unlock, relock, fn)
}

func run(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts {
			return err
		}

		if unlock != nil {
			unlock()
		}
		select {
		case <-ctx.Done():
			if relock != nil {
				relock()
			}
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		if relock != nil {
			relock()
		}
		delay *= 2
	}
}

// jittered spreads the delay over [0.75d, 1.25d] so synchronized callers
// do not retry in lockstep.
func jittered(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	if quarter <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.LittleEndian.Uint64(b[:]) >> 1)
	return d - time.Duration(quarter) + time.Duration(n%(2*quarter+1))
}
