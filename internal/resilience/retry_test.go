package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func TestBackoffSchedule(t *testing.T) {
	policy := Policy{}.withDefaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second}, // 8s capped
		{6, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := backoffFor(tc.attempt, policy); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return domain.NewExtractionError("json_parse", errors.New("unexpected end"), "{")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		calls++
		return domain.NewExtractionError("schema_validation", errors.New("missing field"), "{}")
	})

	var exhausted *domain.RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d", exhausted.Attempts, calls)
	}
	// The terminal error still unwraps to the extraction failure.
	var ee *domain.ExtractionError
	if !errors.As(err, &ee) {
		t.Error("last error not preserved in chain")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limited", domain.NewStatusError(domain.ProviderOpenAI, 429, "slow down")},
		{"quota", domain.NewStatusError(domain.ProviderOpenAI, 402, "no credits")},
		{"unavailable", domain.NewStatusError(domain.ProviderOpenAI, 503, "down")},
		{"transport", domain.NewTransportError(domain.ProviderOpenAI, errors.New("refused"))},
		{"unclassified", errors.New("boom")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastPolicy(), func() error {
				calls++
				return tc.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("error = %v, want %v", err, tc.err)
			}
		})
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := Policy{MaxAttempts: 3, BackoffBase: time.Hour, BackoffCap: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, policy, func() error {
		calls++
		return domain.NewExtractionError("json_parse", errors.New("bad"), "")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during backoff)", calls)
	}
}

func TestGuardedRecordsOutcomes(t *testing.T) {
	store := NewMemoryStateStore()
	b := NewBreaker(store, BreakerConfig{FailureThreshold: 2}, nil)
	ctx := context.Background()

	// Two retryable failures inside one Guarded call hit the threshold.
	err := Guarded(ctx, Policy{MaxAttempts: 2, BackoffBase: time.Millisecond}, b, "op", func() error {
		return domain.NewExtractionError("json_parse", errors.New("bad"), "")
	})
	var exhausted *domain.RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if got := b.State(ctx, "op"); got != StateOpen {
		t.Errorf("state = %q, want open after threshold failures", got)
	}
}

func TestGuardedAbortsWhenCircuitOpens(t *testing.T) {
	store := NewMemoryStateStore()
	b := NewBreaker(store, BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	ctx := context.Background()

	calls := 0
	err := Guarded(ctx, Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}, b, "op", func() error {
		calls++
		return domain.NewExtractionError("json_parse", errors.New("bad"), "")
	})

	// First attempt fails and opens the circuit; the pre-attempt check on the
	// second attempt aborts without consuming the rest of the budget.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var coe *domain.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Errorf("expected CircuitOpenError, got %v", err)
	}
}

func TestGuardedSuccessReportsToBreaker(t *testing.T) {
	store := NewMemoryStateStore()
	b := NewBreaker(store, BreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond}, nil)
	ctx := context.Background()

	// Open the circuit, wait out the cooldown, then let the probe succeed.
	adm, _ := b.Check(ctx, "op")
	b.RecordFailure(ctx, adm)
	time.Sleep(5 * time.Millisecond)

	err := Guarded(ctx, Policy{MaxAttempts: 1}, b, "op", func() error { return nil })
	if err != nil {
		t.Fatalf("Guarded: %v", err)
	}
	if got := b.State(ctx, "op"); got != StateClosed {
		t.Errorf("state = %q, want closed after successful probe", got)
	}
}
