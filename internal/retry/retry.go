// Package retry provides bounded retry and polling with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ErrWindowElapsed is returned by Poll when the polling window closes
// before the condition reaches a terminal state.
var ErrWindowElapsed = errors.New("retry: polling window elapsed")

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Poll will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds a backoff schedule.
type Policy struct {
	BaseDelay time.Duration // First sleep
	MaxDelay  time.Duration // Cap on any single sleep (0 = uncapped)
	Window    time.Duration // Total time budget for Poll (0 = until ctx is done)
}

// next returns the jittered sleep for delay and the following delay.
func (p Policy) next(delay time.Duration) (time.Duration, time.Duration) {
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	// +-25% jitter.
	jitter := delay / 4
	sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	return sleep, delay * 2
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	p := Policy{BaseDelay: baseDelay}
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		var sleep time.Duration
		sleep, delay = p.next(delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return err
}

// Poll calls fn until it reports done, returns a *PermanentError, or the
// policy window closes. Transient errors from fn are treated like "not done
// yet" and retried. When the window closes, Poll returns ErrWindowElapsed
// joined with the last transient error (if any). Cancellation of ctx returns
// ctx.Err().
func Poll(ctx context.Context, p Policy, fn func(ctx context.Context) (done bool, err error)) error {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	pollCtx := ctx
	if p.Window > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Window)
		defer cancel()
	}

	delay := p.BaseDelay
	var last error
	for {
		done, err := fn(pollCtx)
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			last = err
		} else if done {
			return nil
		}

		var sleep time.Duration
		sleep, delay = p.next(delay)

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if last != nil {
				return errors.Join(ErrWindowElapsed, last)
			}
			return ErrWindowElapsed
		case <-time.After(sleep):
		}
	}
}
