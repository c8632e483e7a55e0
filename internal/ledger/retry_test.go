package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastTestPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrierSucceedsWithoutRetry(t *testing.T) {
	r := NewRetrier(fastTestPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRetrierRetriesThenSucceeds(t *testing.T) {
	r := NewRetrier(fastTestPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetrierExhaustsAttemptsAndWrapsUnavailable(t *testing.T) {
	r := NewRetrier(fastTestPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("permanently broken")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if calls != fastTestPolicy().MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastTestPolicy().MaxAttempts, calls)
	}
}

func TestRetrierStopsOnContextCancellation(t *testing.T) {
	r := NewRetrier(fastTestPolicy(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls once context is already cancelled, got %d", calls)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 20*time.Millisecond, zap.NewNop())

	if !cb.Allow() {
		t.Fatal("expected breaker to allow calls while closed")
	}
	cb.RecordResult(errors.New("boom"))
	if !cb.Allow() {
		t.Fatal("expected breaker to still allow calls after 1 failure")
	}
	cb.RecordResult(errors.New("boom"))

	if cb.Allow() {
		t.Fatal("expected breaker to refuse calls once open")
	}

	time.Sleep(25 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a half-open probe after reset timeout")
	}

	cb.RecordResult(nil)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow calls once closed again")
	}
}

func TestCircuitBreakerResetsFailureCountOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second, zap.NewNop())
	cb.RecordResult(errors.New("boom"))
	cb.RecordResult(errors.New("boom"))
	cb.RecordResult(nil)
	cb.RecordResult(errors.New("boom"))
	cb.RecordResult(errors.New("boom"))

	if !cb.Allow() {
		t.Fatal("expected breaker to remain closed: the intervening success should have reset the failure count")
	}
}
