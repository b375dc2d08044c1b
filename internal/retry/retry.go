// Package retry re-runs failing deliveries with capped exponential backoff
// and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes a retry schedule. Delay doubles after each failed
// attempt, is capped at Max when Max > 0, and gets +-25% jitter.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default is the schedule used for alert delivery.
var Default = Backoff{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the schedule is
// exhausted or ctx is done. onRetry, when non-nil, runs before each
// re-attempt with the attempt number (starting at 2) and the last error.
func Do(ctx context.Context, b Backoff, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := max(b.Attempts, 1)
	delay := b.Base

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return err
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + time.Duration(rand.Int64N(int64(2*spread+1)))
}
