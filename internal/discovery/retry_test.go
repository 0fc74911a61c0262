package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var fastRetry = RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func TestRetrySuccessAfterFailures(t *testing.T) {
	calls := 0
	got, attempts, err := retry(context.Background(), fastRetry, func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("fail-%d", calls)
		}
		return "up", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "up" || attempts != 3 {
		t.Errorf("got %q after %d attempts, want up after 3", got, attempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	calls := 0
	cfg := fastRetry
	cfg.MaxRetries = 2
	_, attempts, err := retry(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("always-fail")
	})
	if err == nil || err.Error() != "always-fail" {
		t.Fatalf("err = %v, want always-fail", err)
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("calls = %d attempts = %d, want 3 and 3", calls, attempts)
	}
}

func TestRetryZeroRetries(t *testing.T) {
	calls := 0
	_, _, err := retry(context.Background(), RetryConfig{}, func() (int, error) {
		calls++
		return 0, errors.New("fail")
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d err = %v, want 1 call and an error", calls, err)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, _, err := retry(ctx, cfg, func() (int, error) {
			calls++
			return 0, errors.New("down")
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop on cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	for attempt := 0; attempt < 8; attempt++ {
		want := base << uint(attempt)
		if want > max {
			want = max
		}
		for i := 0; i < 20; i++ {
			d := backoffWithJitter(base, max, attempt)
			if d < want*3/4 || d > want*5/4 {
				t.Fatalf("attempt %d: delay %v outside ±25%% of %v", attempt, d, want)
			}
		}
	}
}
