package client

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRunSucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Run(context.Background(), DefaultRetryPolicy(), func(attempt int) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("Run() = %v, calls = %d, want nil, 1", err, calls)
	}
}

func TestRunRetriesOnAbortUpToMaxAttempts(t *testing.T) {
	p := RetryPolicy{RetryAborted: true, MaxAttempts: 3, BackoffBase: time.Millisecond, Rand: rand.New(rand.NewSource(1))}
	calls := 0
	err := Run(context.Background(), p, func(attempt int) error {
		calls++
		return ErrAborted
	})
	if !errors.Is(err, ErrAbortedExhausted) {
		t.Fatalf("Run() = %v, want ErrAbortedExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (MaxAttempts)", calls)
	}
}

func TestRunDoesNotRetryWhenRetryAbortedFalse(t *testing.T) {
	p := RetryPolicy{RetryAborted: false, MaxAttempts: 5, BackoffBase: time.Millisecond}
	calls := 0
	err := Run(context.Background(), p, func(attempt int) error {
		calls++
		return ErrAborted
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() = %v, want ErrAborted surfaced immediately", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestRunPropagatesNonAbortErrorsImmediately(t *testing.T) {
	wantErr := errors.New("malformed request")
	calls := 0
	err := Run(context.Background(), DefaultRetryPolicy(), func(attempt int) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (non-retryable error must not retry)", calls)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p := RetryPolicy{RetryAborted: true, MaxAttempts: 5, BackoffBase: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, p, func(attempt int) error {
			calls++
			return ErrAborted
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() never returned after context cancellation")
	}
}

func TestBackoffDelayWithinAttemptCeiling(t *testing.T) {
	p := RetryPolicy{BackoffBase: 10 * time.Millisecond, Rand: rand.New(rand.NewSource(42))}
	for attempt := 1; attempt <= 4; attempt++ {
		d := backoffDelay(p, attempt)
		ceiling := p.BackoffBase << uint(attempt-1)
		if d < 0 || d > ceiling {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want in [0, %v]", attempt, d, ceiling)
		}
	}
}
