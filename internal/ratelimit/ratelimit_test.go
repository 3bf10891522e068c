package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLocalBucketDrainsAndRefills(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.CheckRateLimit(ctx, "k", 3, 0.001, 1)
		if err != nil || !allowed {
			t.Fatalf("take %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, remaining, err := b.CheckRateLimit(ctx, "k", 3, 0.001, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed || remaining != 0 {
		t.Errorf("drained bucket: allowed=%v remaining=%d", allowed, remaining)
	}

	// Separate keys get separate buckets.
	if allowed, _, _ := b.CheckRateLimit(ctx, "other", 3, 0.001, 1); !allowed {
		t.Error("fresh key should have a full bucket")
	}
}

type erroringBackend struct {
	healthy bool
	calls   int
}

func (e *erroringBackend) CheckRateLimit(_ context.Context, _ string, maxTokens int, _ float64, _ int) (bool, int, error) {
	e.calls++
	if !e.healthy {
		return false, 0, errors.New("connection refused")
	}
	return true, maxTokens, nil
}

func TestFallbackDegradesAndStaysLimited(t *testing.T) {
	primary := &erroringBackend{healthy: false}
	fb := NewFallbackBackend(primary)
	ctx := context.Background()

	allowed, _, err := fb.CheckRateLimit(ctx, "k", 2, 0.001, 1)
	if err != nil {
		t.Fatalf("degrade must not surface the primary error: %v", err)
	}
	if !allowed {
		t.Fatal("first local check should pass")
	}
	if !fb.Degraded() {
		t.Fatal("backend should be degraded after a primary error")
	}

	// Still enforcing limits while degraded.
	fb.CheckRateLimit(ctx, "k", 2, 0.001, 1)
	allowed, _, err = fb.CheckRateLimit(ctx, "k", 2, 0.001, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("local fallback should enforce the bucket")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := New(NewLocalTokenBucketBackend(), map[string]Class{
		"launch": {MaxTokens: 1, RefillRate: 0.001},
	}, Class{MaxTokens: 100, RefillRate: 100})

	handler := Middleware(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	post := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("/subclusters"); code != http.StatusOK {
		t.Fatalf("first launch = %d", code)
	}
	if code := post("/subclusters"); code != http.StatusTooManyRequests {
		t.Errorf("second launch = %d, want 429", code)
	}

	// Exempt endpoints are never limited.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz = %d", rec.Code)
		}
	}

	// A different client IP has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/subclusters", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}
