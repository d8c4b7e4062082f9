// Package retry re-attempts the bastion dial when it hits a transient
// network error, on a schedule short enough to fit the tunnel's
// startup window.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError wraps an error to signal that retrying will not help,
// such as a refused connection or an unresolvable host.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  Do returns the inner error
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

const (
	defaultInitialDelay = 250 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
)

// Backoff is a doubling retry schedule.  Every wait is jittered by
// ±25% so clients started together do not dial in lockstep.
type Backoff struct {
	// InitialDelay is the wait after the first failure (default 250ms).
	InitialDelay time.Duration
	// MaxDelay caps a single wait (default 2s).
	MaxDelay time.Duration
	// MaxAttempts is the total number of tries including the first.
	// Zero retries until the context ends.
	MaxAttempts int
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DialBackoff returns the schedule used for the bastion dial: three
// tries, well inside the default ready timeout.
func DialBackoff() *Backoff {
	return &Backoff{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		MaxAttempts:  3,
	}
}

// Delay is the un-jittered wait after the given failed attempt
// (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		d = defaultInitialDelay
	}
	limit := b.MaxDelay
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts, or ctx ends.  The attempt passed to fn is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := addJitter(b.Delay(attempt))
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// addJitter spreads d by ±25%, never going below a millisecond.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	result := time.Duration(float64(d) + rand.Float64()*2*quarter - quarter)
	if result < time.Millisecond {
		return time.Millisecond
	}
	return result
}
