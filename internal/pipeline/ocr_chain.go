package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"relaygate/internal/config"
	"relaygate/internal/domain"
	"relaygate/internal/extract"
	"relaygate/internal/orchestrator"
	"relaygate/internal/provider"
)

const visionFallbackPrompt = "Extract all visible text from this image. Preserve the layout, including tables and column alignment. Output only the text, nothing else."

// OCRChain runs OCR providers in priority order with an acceptance gate, then
// falls back to a vision-capable completion when no OCR result is usable.
type OCRChain struct {
	registry  *provider.Registry
	vision    *orchestrator.Orchestrator
	sanitizer *extract.Sanitizer
	cfg       config.PipelineConfig
	logger    *slog.Logger
}

// NewOCRChain creates the chain. vision may be nil to disable the completion
// fallback.
func NewOCRChain(registry *provider.Registry, vision *orchestrator.Orchestrator, cfg config.PipelineConfig, logger *slog.Logger) *OCRChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRChain{
		registry:  registry,
		vision:    vision,
		sanitizer: extract.NewSanitizer(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Recognize extracts text from one image. Each OCR provider's output passes
// through the acceptance gate; a rejected result moves the chain forward
// instead of surfacing garbage downstream.
func (c *OCRChain) Recognize(ctx context.Context, image []byte, mimeType string) (*domain.OCRResult, error) {
	var lastErr error

	for _, d := range c.ocrDescriptors() {
		client, err := c.registry.OCR(d.Name)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := client.Recognize(ctx, image, mimeType)
		if err != nil {
			c.logger.Warn("ocr provider failed", "provider", d.Name, "error", err)
			lastErr = err
			continue
		}

		if reason := c.reject(result); reason != "" {
			c.logger.Warn("ocr result rejected",
				"provider", d.Name,
				"reason", reason,
				"confidence", result.Confidence,
				"length", len(result.Text))
			lastErr = fmt.Errorf("ocr result from %s rejected: %s", d.Name, reason)
			continue
		}

		return result, nil
	}

	if c.vision != nil {
		result, err := c.visionFallback(ctx, image, mimeType)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no ocr providers configured")
	}
	return nil, fmt.Errorf("text recognition failed: %w", lastErr)
}

// reject applies the acceptance gate and names the failed criterion. A result
// with confidence at or above the bypass level skips the vocabulary check,
// since some documents legitimately contain none of the expected keywords.
func (c *OCRChain) reject(result *domain.OCRResult) string {
	text := strings.TrimSpace(result.Text)
	if len(text) < c.cfg.OCRMinTextLen {
		return "text too short"
	}
	if float64(result.Confidence) < c.cfg.OCRMinConfidence {
		return "confidence below minimum"
	}
	if float64(result.Confidence) >= c.cfg.OCRBypassConfidence {
		return ""
	}
	if len(c.cfg.Keywords) > 0 && !c.sanitizer.MatchesVocabulary(text, c.cfg.Keywords) {
		return "no domain vocabulary recognized"
	}
	return ""
}

func (c *OCRChain) visionFallback(ctx context.Context, image []byte, mimeType string) (*domain.OCRResult, error) {
	c.logger.Info("falling back to vision completion for text extraction")

	resp, err := c.vision.Complete(ctx, &domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: visionFallbackPrompt},
		},
		Vision: &domain.VisionPayload{Data: image, MimeType: mimeType},
	})
	if err != nil {
		return nil, fmt.Errorf("vision fallback: %w", err)
	}

	// Vision models do not report recognition confidence; zero marks the
	// result as unscored rather than as low quality.
	return &domain.OCRResult{
		Text:     resp.Content,
		Provider: resp.Provider,
	}, nil
}

func (c *OCRChain) ocrDescriptors() []domain.ProviderDescriptor {
	var out []domain.ProviderDescriptor
	for _, d := range c.registry.Descriptors() {
		if d.Kind == domain.KindOCR && d.Enabled {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
