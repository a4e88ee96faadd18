// Package resilience implements the circuit breaker and retry executor that
// guard calls to upstream providers.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"relaygate/internal/domain"
)

// CircuitState represents the circuit breaker state.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // normal operation
	StateOpen     CircuitState = "open"      // failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // probing for recovery
)

// CircuitStatus is the persisted state of one circuit.
type CircuitStatus struct {
	State    CircuitState
	OpenedAt time.Time
}

// StateStore persists circuit state and failure timestamps. Implementations
// exist for Postgres and in-memory use.
type StateStore interface {
	Status(ctx context.Context, operation string) (CircuitStatus, error)
	SetState(ctx context.Context, operation string, state CircuitState, at time.Time) error
	AddFailure(ctx context.Context, operation string, at time.Time) error
	FailuresSince(ctx context.Context, operation string, since time.Time) (int, error)
	Reset(ctx context.Context, operation string) error
}

// BreakerConfig tunes one breaker. Zero values take the defaults.
type BreakerConfig struct {
	FailureThreshold int           // failures within the window that open the circuit
	FailureWindow    time.Duration // trailing window over which failures count
	Cooldown         time.Duration // open -> half_open delay
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// Admission is the token returned by a successful Check. Threading the token
// through to RecordSuccess/RecordFailure ties each outcome to the admission
// decision that allowed it, so a half-open probe result cannot be confused
// with a regular call.
type Admission struct {
	operation string
	halfOpen  bool
}

// Operation returns the operation this admission was granted for.
func (a Admission) Operation() string { return a.operation }

// Breaker is a store-backed circuit breaker keyed by operation name.
// State lives in the store, so all replicas share one view of each circuit.
type Breaker struct {
	store  StateStore
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewBreaker creates a breaker over the given store.
func NewBreaker(store StateStore, config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		store:  store,
		config: config.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Check decides whether a call may proceed. A denied call gets a
// *domain.CircuitOpenError carrying the remaining cooldown. Store errors fail
// open: a broken state store must not take every provider down with it.
func (b *Breaker) Check(ctx context.Context, operation string) (Admission, error) {
	status, err := b.store.Status(ctx, operation)
	if err != nil {
		b.logger.Warn("circuit state read failed, admitting",
			"operation", operation, "error", err)
		return Admission{operation: operation}, nil
	}

	switch status.State {
	case StateOpen:
		elapsed := b.now().Sub(status.OpenedAt)
		if elapsed < b.config.Cooldown {
			return Admission{}, &domain.CircuitOpenError{
				Operation:  operation,
				RetryAfter: b.config.Cooldown - elapsed,
			}
		}
		// Cooldown elapsed. The transition happens lazily here, on the first
		// Check after the deadline, rather than on a timer.
		if err := b.store.SetState(ctx, operation, StateHalfOpen, b.now()); err != nil {
			b.logger.Warn("circuit half-open transition failed",
				"operation", operation, "error", err)
		}
		b.logger.Info("circuit half-open", "operation", operation)
		return Admission{operation: operation, halfOpen: true}, nil

	case StateHalfOpen:
		return Admission{operation: operation, halfOpen: true}, nil

	default:
		return Admission{operation: operation}, nil
	}
}

// RecordSuccess reports a successful call. A successful half-open probe closes
// the circuit and clears the failure history.
func (b *Breaker) RecordSuccess(ctx context.Context, adm Admission) {
	if !adm.halfOpen {
		return
	}
	if err := b.store.Reset(ctx, adm.operation); err != nil {
		b.logger.Warn("circuit close failed", "operation", adm.operation, "error", err)
		return
	}
	b.logger.Info("circuit closed", "operation", adm.operation)
}

// RecordFailure reports a failed call. A failed half-open probe reopens the
// circuit immediately; otherwise the failure joins the trailing window and the
// circuit opens once the window holds the threshold count.
func (b *Breaker) RecordFailure(ctx context.Context, adm Admission) {
	now := b.now()

	if adm.halfOpen {
		if err := b.store.SetState(ctx, adm.operation, StateOpen, now); err != nil {
			b.logger.Warn("circuit reopen failed", "operation", adm.operation, "error", err)
		}
		b.logger.Warn("circuit reopened after failed probe", "operation", adm.operation)
		return
	}

	if err := b.store.AddFailure(ctx, adm.operation, now); err != nil {
		b.logger.Warn("circuit failure record failed", "operation", adm.operation, "error", err)
		return
	}

	count, err := b.store.FailuresSince(ctx, adm.operation, now.Add(-b.config.FailureWindow))
	if err != nil {
		b.logger.Warn("circuit failure count failed", "operation", adm.operation, "error", err)
		return
	}

	if count >= b.config.FailureThreshold {
		if err := b.store.SetState(ctx, adm.operation, StateOpen, now); err != nil {
			b.logger.Warn("circuit open failed", "operation", adm.operation, "error", err)
			return
		}
		b.logger.Warn("circuit opened",
			"operation", adm.operation,
			"failures", count,
			"window", b.config.FailureWindow)
	}
}

// State reports the current state of a circuit, for stats endpoints.
func (b *Breaker) State(ctx context.Context, operation string) CircuitState {
	status, err := b.store.Status(ctx, operation)
	if err != nil {
		return StateClosed
	}
	return status.State
}
