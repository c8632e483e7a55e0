package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls the exponential backoff §4.1 mandates: base
// 500ms, factor 2, cap 30s, 5 attempts.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the policy named in spec §4.1.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retrier executes canister calls with the policy above, logging
// retries and giving up with ErrLedgerUnavailable.
type Retrier struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrier builds a Retrier. A nil logger is replaced with a no-op one.
func NewRetrier(policy RetryPolicy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Do runs fn, retrying on any non-nil error except context cancellation,
// until the policy's MaxAttempts is exhausted.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("canister call succeeded after retry",
					zap.String("operation", operation), zap.Int("attempts", attempt))
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		lastErr = err
		if attempt >= r.policy.MaxAttempts {
			r.logger.Error("canister call failed after max attempts",
				zap.String("operation", operation), zap.Int("attempts", attempt), zap.Error(err))
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn("canister call failed, retrying",
			zap.String("operation", operation), zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return wrapUnavailable(operation, lastErr)
}

func (r *Retrier) backoff(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))
	jitter := delay * 0.1 * (2*rand.Float64() - 1)
	delay += jitter
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	return time.Duration(delay)
}

// CircuitState mirrors the three-state breaker the Stellar sources use
// ahead of a ledger call that has failed persistently.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker trips open after MaxFailures consecutive failures and
// refuses calls until ResetTimeout elapses, then allows one half-open
// probe before fully closing again.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	logger       *zap.Logger

	state           CircuitState
	failures        int
	lastFailureTime time.Time
}

// NewCircuitBreaker builds a breaker named for the canister it guards.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{name: name, maxFailures: maxFailures, resetTimeout: resetTimeout, logger: logger, state: CircuitClosed}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once resetTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult updates the breaker's state after a call completes.
func (cb *CircuitBreaker) RecordResult(err error) {
	if err == nil {
		if cb.state == CircuitHalfOpen {
			cb.logger.Info("circuit breaker closing after successful probe", zap.String("breaker", cb.name))
		}
		cb.state = CircuitClosed
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()
	if cb.failures >= cb.maxFailures {
		if cb.state != CircuitOpen {
			cb.logger.Warn("circuit breaker opening", zap.String("breaker", cb.name), zap.Int("failures", cb.failures))
		}
		cb.state = CircuitOpen
	}
}
