package resilience

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore is an in-memory StateStore for single-process deployments
// and tests.
type MemoryStateStore struct {
	mu       sync.Mutex
	states   map[string]CircuitStatus
	failures map[string][]time.Time
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states:   make(map[string]CircuitStatus),
		failures: make(map[string][]time.Time),
	}
}

func (s *MemoryStateStore) Status(ctx context.Context, operation string) (CircuitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.states[operation]
	if !ok {
		return CircuitStatus{State: StateClosed}, nil
	}
	return status, nil
}

func (s *MemoryStateStore) SetState(ctx context.Context, operation string, state CircuitState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[operation] = CircuitStatus{State: state, OpenedAt: at}
	return nil
}

func (s *MemoryStateStore) AddFailure(ctx context.Context, operation string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = append(s.failures[operation], at)
	return nil
}

func (s *MemoryStateStore) FailuresSince(ctx context.Context, operation string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prune while counting; entries older than the window never matter again.
	kept := s.failures[operation][:0]
	count := 0
	for _, at := range s.failures[operation] {
		if at.After(since) || at.Equal(since) {
			kept = append(kept, at)
			count++
		}
	}
	s.failures[operation] = kept
	return count, nil
}

func (s *MemoryStateStore) Reset(ctx context.Context, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[operation] = CircuitStatus{State: StateClosed}
	delete(s.failures, operation)
	return nil
}
