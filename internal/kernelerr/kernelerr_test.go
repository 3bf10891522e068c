package kernelerr

import (
	"errors"
	"testing"
)

func TestToBoundaryMapsCode(t *testing.T) {
	err := &VatNotFoundError{VatID: "v9"}
	b := ToBoundary(err, nil)
	if b.Code != CodeVatNotFound {
		t.Errorf("code = %s, want %s", b.Code, CodeVatNotFound)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&ResourceLimitError{LimitType: LimitMessagesPerSecond, Current: 1, Limit: 1}) {
		t.Error("resource limit error should be retryable")
	}
	if !IsRetryable(&RetryableNetworkError{Op: "dial", Err: errors.New("boom")}) {
		t.Error("retryable network error should be retryable")
	}
	if IsRetryable(&NonRetryableError{Op: "handshake", Err: errors.New("auth")}) {
		t.Error("non-retryable error should not be retryable")
	}
}

func TestRetryableNetworkErrorUnwraps(t *testing.T) {
	inner := errors.New("connection reset")
	err := &RetryableNetworkError{Op: "read", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}
