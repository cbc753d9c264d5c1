package internal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryWithBackoff_SucceedsAfterFailure(t *testing.T) {
	calls := 0
	got, err := RetryWithBackoff(context.Background(), 3, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", fmt.Errorf("%w: transient", ErrUnreachable)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" || calls != 2 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestRetryWithBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryWithBackoff(context.Background(), 5, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: gone", ErrNotFound)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should stop after 1 call, got %d", calls)
	}
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithBackoff(context.Background(), 2, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: still down", ErrUnreachable)
	})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryWithBackoff_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithBackoff(ctx, 3, func(ctx context.Context) (int, error) {
		return 0, fmt.Errorf("%w: down", ErrUnreachable)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(1); d != time.Second {
		t.Fatalf("attempt 1 delay = %v", d)
	}
	if d := backoffDelay(2); d != 2*time.Second {
		t.Fatalf("attempt 2 delay = %v", d)
	}
	if d := backoffDelay(40); d != maxBackoff {
		t.Fatalf("large attempt delay = %v, want cap %v", d, maxBackoff)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: x", ErrUnreachable), true},
		{fmt.Errorf("%w: x", ErrChecksumMismatch), true},
		{errors.New("some io error"), true},
		{fmt.Errorf("%w: x", ErrNotFound), false},
		{fmt.Errorf("%w: x", ErrMalformed), false},
		{fmt.Errorf("%w: x", ErrPermissionDenied), false},
		{fmt.Errorf("%w: x", ErrDiskFull), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
