// Package orchestrator selects providers and drives fallback chains.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/provider"
)

// Orchestrator walks eligible completion providers in priority order until one
// returns a usable response. It owns selection and exhaustion; per-provider
// translation stays in the adapters.
type Orchestrator struct {
	registry         *provider.Registry
	minContentLength int
	logger           *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMinContentLength overrides the minimum acceptable content length.
func WithMinContentLength(n int) Option {
	return func(o *Orchestrator) { o.minContentLength = n }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator over the provider registry.
func New(registry *provider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:         registry,
		minContentLength: 10,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Eligible returns the completion descriptors able to serve req, in ascending
// priority order. A vision request never reaches a non-vision provider; a JSON
// request never reaches a provider that cannot honor the format.
func (o *Orchestrator) Eligible(req *domain.Request) []domain.ProviderDescriptor {
	var out []domain.ProviderDescriptor
	for _, d := range o.registry.Descriptors() {
		if d.Kind != domain.KindCompletion || !d.Enabled {
			continue
		}
		if req.NeedsVision() && !d.SupportsVision {
			continue
		}
		if req.NeedsJSON() && !d.SupportsJSON {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Complete runs the request against eligible providers in priority order and
// returns the first usable response. Every provider failure is recorded; when
// the chain is exhausted the terminal error names each attempted provider.
func (o *Orchestrator) Complete(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	eligible := o.Eligible(req)
	if len(eligible) == 0 {
		return nil, &domain.ExhaustedError{}
	}

	var attempted []domain.Provider
	var lastErr error

	for _, d := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client, err := o.registry.Completion(d.Name)
		if err != nil {
			lastErr = err
			attempted = append(attempted, d.Name)
			continue
		}

		started := time.Now()
		resp, err := client.Complete(ctx, req)
		attempted = append(attempted, d.Name)

		if err != nil {
			lastErr = err
			o.logger.Warn("provider attempt failed",
				"provider", d.Name,
				"class", domain.ClassOf(err),
				"latency_ms", time.Since(started).Milliseconds(),
				"error", err)
			continue
		}

		if !usable(resp, o.minContentLength) {
			lastErr = &domain.MalformedError{
				Provider: d.Name,
				Length:   len(resp.Content),
				Minimum:  o.minContentLength,
			}
			o.logger.Warn("provider response rejected", "provider", d.Name, "length", len(resp.Content))
			continue
		}

		resp.CostUSD = d.Cost(resp.Usage)
		o.logger.Info("completion served",
			"provider", d.Name,
			"model", resp.Model,
			"latency_ms", resp.LatencyMs,
			"attempts", len(attempted))
		return resp, nil
	}

	return nil, &domain.ExhaustedError{Attempted: attempted, Last: lastErr}
}

// Stream starts a stream on the first eligible provider that accepts the
// request. A provider that fails before emitting anything is skipped; once a
// stream is open, its events flow through unmodified.
func (o *Orchestrator) Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, domain.Provider, error) {
	eligible := o.Eligible(req)
	if len(eligible) == 0 {
		return nil, "", &domain.ExhaustedError{}
	}

	var attempted []domain.Provider
	var lastErr error

	for _, d := range eligible {
		client, err := o.registry.Completion(d.Name)
		if err != nil {
			lastErr = err
			attempted = append(attempted, d.Name)
			continue
		}

		events, err := client.Stream(ctx, req)
		attempted = append(attempted, d.Name)
		if err != nil {
			lastErr = err
			o.logger.Warn("stream start failed", "provider", d.Name, "error", err)
			continue
		}
		return events, d.Name, nil
	}

	return nil, "", &domain.ExhaustedError{Attempted: attempted, Last: lastErr}
}

// usable rejects empty and under-threshold content. A tool call is a complete
// answer in itself and carries no content to measure.
func usable(resp *domain.Response, minLen int) bool {
	if resp == nil || !resp.Success {
		return false
	}
	if resp.ToolCall != nil {
		return true
	}
	return len(resp.Content) > minLen
}
