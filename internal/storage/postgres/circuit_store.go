package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relaygate/internal/resilience"
)

// CircuitStore persists circuit breaker state in Postgres so every replica
// shares one view of each circuit.
type CircuitStore struct {
	db *sql.DB
}

// NewCircuitStore creates a circuit state store over db.
func NewCircuitStore(db *sql.DB) *CircuitStore {
	return &CircuitStore{db: db}
}

var _ resilience.StateStore = (*CircuitStore)(nil)

// Status reads the persisted state of one circuit. A circuit with no row has
// never opened and reports closed.
func (s *CircuitStore) Status(ctx context.Context, operation string) (resilience.CircuitStatus, error) {
	var state string
	var openedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT state, opened_at FROM circuit_state WHERE operation = $1
	`, operation).Scan(&state, &openedAt)
	if err == sql.ErrNoRows {
		return resilience.CircuitStatus{State: resilience.StateClosed}, nil
	}
	if err != nil {
		return resilience.CircuitStatus{}, fmt.Errorf("reading circuit state: %w", err)
	}

	status := resilience.CircuitStatus{State: resilience.CircuitState(state)}
	if openedAt.Valid {
		status.OpenedAt = openedAt.Time
	}
	return status, nil
}

// SetState upserts the circuit state. opened_at is only meaningful for the
// open state but is recorded for every transition to keep the audit trail.
func (s *CircuitStore) SetState(ctx context.Context, operation string, state resilience.CircuitState, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_state (operation, state, opened_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (operation) DO UPDATE SET
			state = EXCLUDED.state,
			opened_at = EXCLUDED.opened_at,
			updated_at = NOW()
	`, operation, string(state), at)
	if err != nil {
		return fmt.Errorf("writing circuit state: %w", err)
	}
	return nil
}

// AddFailure records one failure event for the trailing-window count.
func (s *CircuitStore) AddFailure(ctx context.Context, operation string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_failures (operation, occurred_at) VALUES ($1, $2)
	`, operation, at)
	if err != nil {
		return fmt.Errorf("recording circuit failure: %w", err)
	}
	return nil
}

// FailuresSince counts failures inside the trailing window. Rows older than
// the window are dropped opportunistically on the same call.
func (s *CircuitStore) FailuresSince(ctx context.Context, operation string, since time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM circuit_failures WHERE operation = $1 AND occurred_at < $2
	`, operation, since); err != nil {
		return 0, fmt.Errorf("pruning circuit failures: %w", err)
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM circuit_failures WHERE operation = $1 AND occurred_at >= $2
	`, operation, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting circuit failures: %w", err)
	}
	return count, nil
}

// Reset closes the circuit and clears its failure history.
func (s *CircuitStore) Reset(ctx context.Context, operation string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning circuit reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_state (operation, state, opened_at, updated_at)
		VALUES ($1, $2, NULL, NOW())
		ON CONFLICT (operation) DO UPDATE SET
			state = EXCLUDED.state,
			opened_at = NULL,
			updated_at = NOW()
	`, operation, string(resilience.StateClosed)); err != nil {
		return fmt.Errorf("closing circuit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM circuit_failures WHERE operation = $1
	`, operation); err != nil {
		return fmt.Errorf("clearing circuit failures: %w", err)
	}

	return tx.Commit()
}
