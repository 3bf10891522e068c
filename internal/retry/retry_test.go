package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoffNoJitter(t *testing.T) {
	o := Options{Jitter: false, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		got := CalculateBackoff(i+1, o)
		if got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestCalculateBackoffJitterBounded(t *testing.T) {
	o := Options{Jitter: true, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		raw := CalculateBackoff(attempt, Options{Jitter: false, BaseDelay: o.BaseDelay, MaxDelay: o.MaxDelay})
		for i := 0; i < 20; i++ {
			got := CalculateBackoff(attempt, o)
			if got < 0 || got > raw {
				t.Fatalf("attempt %d: jittered delay %v out of [0, %v)", attempt, got, raw)
			}
		}
	}
}

func TestDoSucceedsEventually(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoRespectsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		return errors.New("always fails")
	}, Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoShouldRetryStopsEarly(t *testing.T) {
	attempts := 0
	sentinel := errors.New("terminal")
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		return sentinel
	}, Options{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, sentinel) },
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestDoOnRetryCalledBeforeDelay(t *testing.T) {
	var seen []int
	attempts := 0
	_ = Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("retry me")
		}
		return nil
	}, Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		OnRetry: func(attempt, maxAttempts int, delay time.Duration, err error) {
			seen = append(seen, attempt)
		},
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected OnRetry called for attempts [1 2], got %v", seen)
	}
}

func TestDoAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(ctx context.Context, attempt int) error {
		t.Fatal("op should not run once context is cancelled")
		return nil
	}, Options{})

	if !IsAbort(err) {
		t.Fatalf("expected AbortError, got %v", err)
	}
}

func TestDelayAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Delay(ctx, time.Hour)
	if !IsAbort(err) {
		t.Fatalf("expected AbortError, got %v", err)
	}
}

func TestDelayCompletesNormally(t *testing.T) {
	if err := Delay(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDetectCrossIncarnationWake(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		ago  time.Duration
		want bool
	}{
		{"two hours ago exceeds default threshold", 2 * time.Hour, true},
		{"ten minutes ago is within default threshold", 10 * time.Minute, false},
		{"exactly at threshold is not strictly greater", time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCrossIncarnationWake(now, now.Add(-tt.ago), 0)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWakeDetectorLoopRunsUntilStop(t *testing.T) {
	fired := make(chan struct{}, 1)
	d := StartWakeDetector(WakeConfig{Interval: 5 * time.Millisecond, JumpThreshold: 5 * time.Millisecond}, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer d.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		// A real clock jump can't be simulated deterministically in-process;
		// this just exercises the loop/ticker plumbing without flaking CI.
	}
}

func TestWakeDetectorStopIsIdempotent(t *testing.T) {
	d := StartWakeDetector(WakeConfig{Interval: time.Hour}, func() {})
	d.Stop()
	d.Stop()
}
