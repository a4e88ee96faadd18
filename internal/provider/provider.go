// Package provider implements upstream completion and OCR provider clients.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// CompletionClient is implemented by every completion provider adapter.
// Adapters translate the canonical request into their native wire format and
// normalize the result; they never retry, fall back, or consult the breaker.
type CompletionClient interface {
	Provider() domain.Provider
	Complete(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error)
}

// OCRClient is implemented by OCR provider adapters.
type OCRClient interface {
	Provider() domain.Provider
	Recognize(ctx context.Context, image []byte, mimeType string) (*domain.OCRResult, error)
}

// BuildHTTPClient creates an HTTP client with the specified connection settings.
func BuildHTTPClient(settings domain.ConnectionSettings) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        settings.MaxIdleConnections,
		MaxIdleConnsPerHost: settings.MaxIdleConnections,
		MaxConnsPerHost:     settings.MaxConnections,
		IdleConnTimeout:     time.Duration(settings.IdleTimeoutSec) * time.Second,
		DisableKeepAlives:   !settings.EnableKeepAlive,
		ForceAttemptHTTP2:   settings.EnableHTTP2,
	}

	return &http.Client{
		Timeout:   time.Duration(settings.RequestTimeoutSec) * time.Second,
		Transport: transport,
	}
}

// Registry holds one client per configured provider. The provider set is
// closed: construction enumerates every known provider, so a descriptor for
// an unknown name is a config error, not a silently ignored entry.
type Registry struct {
	completion  map[domain.Provider]CompletionClient
	ocr         map[domain.Provider]OCRClient
	descriptors []domain.ProviderDescriptor
}

// NewRegistry builds clients for every enabled descriptor.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		completion:  make(map[domain.Provider]CompletionClient),
		ocr:         make(map[domain.Provider]OCRClient),
		descriptors: cfg.Descriptors(),
	}

	settings := domain.DefaultConnectionSettings()

	for _, d := range r.descriptors {
		if !d.Enabled {
			continue
		}

		switch d.Name {
		case domain.ProviderOpenAI:
			c, err := NewOpenAIClient(cfg.Providers.OpenAI, settings)
			if err != nil {
				return nil, fmt.Errorf("building openai client: %w", err)
			}
			r.completion[d.Name] = c

		case domain.ProviderAnthropic:
			c, err := NewAnthropicClient(cfg.Providers.Anthropic, settings)
			if err != nil {
				return nil, fmt.Errorf("building anthropic client: %w", err)
			}
			r.completion[d.Name] = c

		case domain.ProviderBedrock:
			c, err := NewBedrockClient(cfg.Providers.Bedrock, settings)
			if err != nil {
				return nil, fmt.Errorf("building bedrock client: %w", err)
			}
			r.completion[d.Name] = c

		case domain.ProviderOCRSpace:
			r.ocr[d.Name] = NewOCRSpaceClient(cfg.Providers.OCRSpace, settings)

		case domain.ProviderGoogleVision:
			r.ocr[d.Name] = NewGoogleVisionClient(cfg.Providers.GoogleVision, settings)

		default:
			return nil, fmt.Errorf("no adapter for provider %q", d.Name)
		}
	}

	return r, nil
}

// Completion returns the completion client for a provider.
func (r *Registry) Completion(p domain.Provider) (CompletionClient, error) {
	c, ok := r.completion[p]
	if !ok {
		return nil, fmt.Errorf("completion provider %s not configured", p)
	}
	return c, nil
}

// OCR returns the OCR client for a provider.
func (r *Registry) OCR(p domain.Provider) (OCRClient, error) {
	c, ok := r.ocr[p]
	if !ok {
		return nil, fmt.Errorf("ocr provider %s not configured", p)
	}
	return c, nil
}

// RegisterCompletion installs or replaces a completion client, for tests and
// manual wiring.
func (r *Registry) RegisterCompletion(c CompletionClient) {
	r.completion[c.Provider()] = c
}

// RegisterOCR installs or replaces an OCR client.
func (r *Registry) RegisterOCR(c OCRClient) {
	r.ocr[c.Provider()] = c
}

// Descriptors returns the immutable provider table.
func (r *Registry) Descriptors() []domain.ProviderDescriptor {
	return r.descriptors
}

// Descriptor looks up the descriptor for a provider.
func (r *Registry) Descriptor(p domain.Provider) (domain.ProviderDescriptor, bool) {
	for _, d := range r.descriptors {
		if d.Name == p {
			return d, true
		}
	}
	return domain.ProviderDescriptor{}, false
}
