package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func testBreaker(t *testing.T) (*Breaker, *MemoryStateStore, *time.Time) {
	t.Helper()
	store := NewMemoryStateStore()
	b := NewBreaker(store, BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    5 * time.Minute,
		Cooldown:         60 * time.Second,
	}, nil)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, store, &now
}

func failN(t *testing.T, b *Breaker, op string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		adm, err := b.Check(ctx, op)
		if err != nil {
			t.Fatalf("Check before threshold: %v", err)
		}
		b.RecordFailure(ctx, adm)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _, _ := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "provider:openai", 2)
	if _, err := b.Check(ctx, "provider:openai"); err != nil {
		t.Fatalf("two failures must not open a threshold-3 circuit: %v", err)
	}

	failN(t, b, "provider:openai", 1)
	_, err := b.Check(ctx, "provider:openai")
	var coe *domain.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("expected CircuitOpenError after threshold, got %v", err)
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > 60*time.Second {
		t.Errorf("RetryAfter = %v", coe.RetryAfter)
	}
	if domain.ClassOf(err) != domain.ClassCircuitOpen {
		t.Errorf("class = %q", domain.ClassOf(err))
	}
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	b, _, now := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "op", 2)

	// Old failures age out of the 5-minute window before the third arrives.
	*now = now.Add(6 * time.Minute)
	failN(t, b, "op", 1)

	if _, err := b.Check(ctx, "op"); err != nil {
		t.Errorf("circuit opened on stale failures: %v", err)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, _, now := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "op", 3)
	if _, err := b.Check(ctx, "op"); err == nil {
		t.Fatal("circuit should be open")
	}

	// Before the cooldown deadline the circuit stays shut.
	*now = now.Add(59 * time.Second)
	if _, err := b.Check(ctx, "op"); err == nil {
		t.Fatal("cooldown not elapsed yet")
	}

	*now = now.Add(2 * time.Second)
	adm, err := b.Check(ctx, "op")
	if err != nil {
		t.Fatalf("expected half-open admission: %v", err)
	}
	if !adm.halfOpen {
		t.Error("admission not marked half-open")
	}
	if got := b.State(ctx, "op"); got != StateHalfOpen {
		t.Errorf("state = %q, want half_open", got)
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, _, now := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "op", 3)
	*now = now.Add(61 * time.Second)

	adm, err := b.Check(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	b.RecordSuccess(ctx, adm)

	if got := b.State(ctx, "op"); got != StateClosed {
		t.Errorf("state after successful probe = %q", got)
	}

	// History is cleared: the next failures start a fresh count.
	failN(t, b, "op", 2)
	if _, err := b.Check(ctx, "op"); err != nil {
		t.Errorf("circuit reopened on pre-probe failures: %v", err)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, _, now := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "op", 3)
	*now = now.Add(61 * time.Second)

	adm, err := b.Check(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	b.RecordFailure(ctx, adm)

	if got := b.State(ctx, "op"); got != StateOpen {
		t.Errorf("state after failed probe = %q", got)
	}
	// A fresh cooldown starts from the probe failure.
	if _, err := b.Check(ctx, "op"); err == nil {
		t.Error("circuit should deny immediately after failed probe")
	}
}

func TestBreakerSuccessInClosedStateIsNoop(t *testing.T) {
	b, store, _ := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "op", 2)
	adm, _ := b.Check(ctx, "op")
	b.RecordSuccess(ctx, adm)

	// Closed-state success must not clear the failure window.
	count, _ := store.FailuresSince(ctx, "op", time.Time{})
	if count != 2 {
		t.Errorf("failures = %d, want 2", count)
	}
}

type failingStore struct{ StateStore }

func (failingStore) Status(ctx context.Context, op string) (CircuitStatus, error) {
	return CircuitStatus{}, errors.New("db down")
}

func TestBreakerFailsOpenOnStoreError(t *testing.T) {
	b := NewBreaker(failingStore{NewMemoryStateStore()}, BreakerConfig{}, nil)
	if _, err := b.Check(context.Background(), "op"); err != nil {
		t.Errorf("store error must admit, got %v", err)
	}
}

func TestBreakerIsolatesOperations(t *testing.T) {
	b, _, _ := testBreaker(t)
	ctx := context.Background()

	failN(t, b, "provider:openai", 3)

	if _, err := b.Check(ctx, "provider:anthropic"); err != nil {
		t.Errorf("unrelated circuit affected: %v", err)
	}
}
