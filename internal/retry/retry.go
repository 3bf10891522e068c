// Package retry implements the generic backoff/retry primitive, the
// cancellable delay, and the wake-from-sleep detectors.
// It is a leaf package: every long-running loop elsewhere in the kernel
// (remote transport reconnection, reload polling) is built on top of it.
//
// There is deliberately exactly one retry primitive in this codebase:
// a loop capable of infinite attempts, composed with a context.Context
// cancellation tree instead of a bespoke abort signal. MaxAttempts = 0
// means retry forever.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// AbortError is returned when the retry loop's cancel signal fires
// before or during a delay.
type AbortError struct{ Reason string }

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "retry: aborted"
	}
	return "retry: aborted: " + e.Reason
}

// Options configures a Retry call. MaxAttempts == 0 means infinite.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// ShouldRetry classifies an error. Nil means every error is retryable.
	ShouldRetry func(error) bool
	// OnRetry is invoked after a failed attempt and before the delay.
	OnRetry func(attempt, maxAttempts int, delay time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	return o
}

// CalculateBackoff computes the delay before the N-th attempt (1-based).
// Raw delay is exponential capped at MaxDelay; with Jitter set, the
// returned delay is uniform in [0, raw) ("full jitter").
func CalculateBackoff(attempt int, o Options) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	raw := math.Min(float64(o.MaxDelay), float64(o.BaseDelay)*math.Pow(2, float64(attempt-1)))
	if !o.Jitter {
		return time.Duration(raw)
	}
	if raw <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * raw)
}

// Op is the operation retried: it returns an error to drive another
// attempt, or nil on success.
type Op func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, exhausts MaxAttempts, ShouldRetry
// rejects the error, or ctx is cancelled.
func Do(ctx context.Context, op Op, o Options) error {
	o = o.withDefaults()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &AbortError{Reason: err.Error()}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !o.ShouldRetry(err) {
			return err
		}
		if o.MaxAttempts > 0 && attempt >= o.MaxAttempts {
			return err
		}

		delay := CalculateBackoff(attempt, o)
		if o.OnRetry != nil {
			o.OnRetry(attempt, o.MaxAttempts, delay, err)
		}

		if err := Delay(ctx, delay); err != nil {
			return err
		}
	}
}

// Delay waits for d, or returns *AbortError if ctx is cancelled first.
// The timer and any registration are released on every exit path.
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return &AbortError{Reason: err.Error()}
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &AbortError{Reason: ctx.Err().Error()}
	}
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var a *AbortError
	return errors.As(err, &a)
}
