package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"relaygate/internal/domain"
	"relaygate/internal/provider"
)

// FailoverHook observes a primary-to-secondary switch. Wired to metrics in
// production; nil is a no-op.
type FailoverHook func(from, to domain.Provider, reason string)

// TwoTierFallback runs a fixed primary/secondary provider pair. The secondary
// is reserved for rate limits, quota exhaustion, and network failures; any
// other upstream error passes through so callers see the primary's real
// failure instead of a masked secondary result.
type TwoTierFallback struct {
	primary    provider.CompletionClient
	secondary  provider.CompletionClient
	onFailover FailoverHook
	logger     *slog.Logger
}

// NewTwoTierFallback creates a two-tier chain over the given clients.
func NewTwoTierFallback(primary, secondary provider.CompletionClient, onFailover FailoverHook, logger *slog.Logger) *TwoTierFallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwoTierFallback{
		primary:    primary,
		secondary:  secondary,
		onFailover: onFailover,
		logger:     logger,
	}
}

// Complete tries the primary and fails over to the secondary only when the
// failure class permits it.
func (t *TwoTierFallback) Complete(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	resp, err := t.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}

	if !failoverEligible(err) || t.secondary == nil {
		return nil, err
	}

	t.failover(err)
	return t.secondary.Complete(ctx, req)
}

// Stream opens a stream on the primary and, when the primary refuses with a
// failover-eligible error, retries on the secondary. The secondary's events
// are already normalized by its adapter, so the consumer sees one event
// protocol regardless of which tier served. A FailoverEvent is injected ahead
// of the secondary's output so the switch is visible on the stream itself.
func (t *TwoTierFallback) Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error) {
	events, err := t.primary.Stream(ctx, req)
	if err == nil {
		return events, nil
	}

	if !failoverEligible(err) || t.secondary == nil {
		return nil, err
	}

	t.failover(err)
	secondaryEvents, serr := t.secondary.Stream(ctx, req)
	if serr != nil {
		return nil, serr
	}

	out := make(chan domain.StreamEvent, 1)
	out <- domain.FailoverEvent{
		From:   t.primary.Provider(),
		To:     t.secondary.Provider(),
		Reason: string(domain.ClassOf(err)),
	}
	go func() {
		defer close(out)
		for ev := range secondaryEvents {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *TwoTierFallback) failover(cause error) {
	from, to := t.primary.Provider(), t.secondary.Provider()
	reason := string(domain.ClassOf(cause))
	t.logger.Warn("failing over to secondary provider",
		"from", from, "to", to, "reason", reason, "error", cause)
	if t.onFailover != nil {
		t.onFailover(from, to, reason)
	}
}

// failoverEligible permits the switch for rate limits, quota exhaustion, and
// network-level failures. An HTTP error status other than 429/402 means the
// primary is reachable and rejected the request on its merits.
func failoverEligible(err error) bool {
	switch domain.ClassOf(err) {
	case domain.ClassRateLimited, domain.ClassQuota:
		return true
	case domain.ClassUnavailable:
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return pe.StatusCode == 0
		}
		return false
	default:
		return false
	}
}
