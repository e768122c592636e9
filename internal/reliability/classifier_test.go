package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableErrorIgnoresContextErrors(t *testing.T) {
	if IsRetryableError(context.Canceled) {
		t.Fatalf("context.Canceled should not be retryable")
	}
	if IsRetryableError(errors.New("boom")) {
		t.Fatalf("plain errors should not be retryable")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func(int) (bool, error) {
		calls++
		if calls < 2 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryHonorsMaxRetriesAndPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, time.Millisecond, func(int) (bool, error) {
		calls++
		return true, errors.New("transient")
	})
	if err == nil || calls != 3 {
		t.Fatalf("calls = %d err = %v, want 3 calls and an error", calls, err)
	}

	calls = 0
	_ = Retry(context.Background(), 5, time.Millisecond, time.Millisecond, func(int) (bool, error) {
		calls++
		return false, errors.New("permanent")
	})
	if calls != 1 {
		t.Fatalf("permanent error calls = %d, want 1", calls)
	}
}
