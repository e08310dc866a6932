package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetrier(attempts int) Retrier {
	return Retrier{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastRetrier(3).Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrier_ExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastRetrier(3).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fmt.Errorf("%w: down", ErrUnavailable)
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetrier_DoesNotRetryNonTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	fatal := errors.New("bad request")
	err := fastRetrier(5).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-transient errors must not be retried, got %d attempts", calls)
	}
}

func TestRetrier_ContextCancelStopsWaiting(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "op", func(context.Context) error {
			return fmt.Errorf("%w: down", ErrUnavailable)
		})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retrier kept waiting after context cancellation")
	}
}
