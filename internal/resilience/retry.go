package resilience

import (
	"context"
	"time"

	"relaygate/internal/domain"
)

// Policy tunes the retry executor. Zero values take the defaults.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BackoffBase time.Duration // wait before the second attempt
	BackoffCap  time.Duration // ceiling on any single wait
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 5 * time.Second
	}
	return p
}

// backoffFor returns the wait preceding attempt k (first attempt is 1, which
// never waits): base doubling per attempt, capped.
func backoffFor(attempt int, p Policy) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := p.BackoffBase << (attempt - 2)
	if backoff > p.BackoffCap || backoff <= 0 {
		return p.BackoffCap
	}
	return backoff
}

// Retry runs fn until it succeeds, the attempt budget is spent, or a
// non-retryable failure occurs. Only failures classified retryable
// (extraction errors) repeat; everything else returns immediately so the
// caller's fallback logic can take over. The backoff wait honors ctx.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if wait := backoffFor(attempt, policy); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.Retryable(err) {
			return err
		}
	}

	return &domain.RetriesExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}

// Guarded runs fn under both the retry policy and the breaker. Admission is
// checked before every attempt; a denial aborts the whole call without
// consuming the remaining attempts, since waiting out the backoff cannot close
// an open circuit. Each executed attempt reports its outcome to the breaker.
func Guarded(ctx context.Context, policy Policy, breaker *Breaker, operation string, fn func() error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if wait := backoffFor(attempt, policy); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		adm, err := breaker.Check(ctx, operation)
		if err != nil {
			return err
		}

		err = fn()
		if err == nil {
			breaker.RecordSuccess(ctx, adm)
			return nil
		}
		breaker.RecordFailure(ctx, adm)
		lastErr = err

		if !domain.Retryable(err) {
			return err
		}
	}

	return &domain.RetriesExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}
