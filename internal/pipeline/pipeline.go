package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaygate/internal/cache"
	"relaygate/internal/config"
	"relaygate/internal/domain"
	"relaygate/internal/extract"
	"relaygate/internal/orchestrator"
	"relaygate/internal/resilience"
)

// DefaultName is the pipeline name used when the caller does not set one. It
// doubles as the cache function tag.
const DefaultName = "document_extract"

const defaultInstructions = "You extract structured data from medical laboratory report text. Use only values present in the text; never invent or infer missing results."

// Request describes one document extraction job.
type Request struct {
	Source         []byte         // raw document bytes
	CallerID       string         // scopes the cache key
	Pipeline       string         // pipeline name; DefaultName when empty
	Schema         map[string]any // JSON schema the structured output must satisfy
	Instructions   string         // overrides the default system prompt
	ForceReprocess bool           // skip the cache read; the result is still written
}

// Pipeline is the document extraction state machine: detect, get text
// (embedded, OCR, or vision), screen, structure, validate, cache.
type Pipeline struct {
	store       cache.Store
	pdf         *PDFProcessor
	ocr         *OCRChain
	orch        *orchestrator.Orchestrator
	extractor   *extract.JSONExtractor
	sanitizer   *extract.Sanitizer
	breaker     *resilience.Breaker
	retry       resilience.Policy
	cfg         config.PipelineConfig
	documentTTL time.Duration
	logger      *slog.Logger
}

// New creates a pipeline. store may be nil to disable caching.
func New(
	store cache.Store,
	pdf *PDFProcessor,
	ocr *OCRChain,
	orch *orchestrator.Orchestrator,
	breaker *resilience.Breaker,
	retry resilience.Policy,
	cfg config.PipelineConfig,
	documentTTL time.Duration,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       store,
		pdf:         pdf,
		ocr:         ocr,
		orch:        orch,
		extractor:   extract.NewJSONExtractor(),
		sanitizer:   extract.NewSanitizer(),
		breaker:     breaker,
		retry:       retry,
		cfg:         cfg,
		documentTTL: documentTTL,
		logger:      logger,
	}
}

// Process runs the full extraction pipeline for one document.
func (p *Pipeline) Process(ctx context.Context, req Request) (*domain.StructuredResult, error) {
	if len(req.Source) == 0 {
		return nil, fmt.Errorf("empty document source")
	}

	name := req.Pipeline
	if name == "" {
		name = DefaultName
	}
	started := time.Now()

	cacheKey := cache.ContentHash([]byte(name), []byte(req.CallerID))
	contentHash := cache.ContentHash(req.Source)

	if !req.ForceReprocess {
		if cached := p.cacheRead(ctx, cacheKey, contentHash); cached != nil {
			cached.Cached = true
			cached.Duration = time.Since(started)
			return cached, nil
		}
	}

	rawText, err := p.sourceText(ctx, req.Source)
	if err != nil {
		return nil, err
	}

	if findings := p.sanitizer.Screen(rawText); len(findings) > 0 {
		categories := make([]string, 0, len(findings))
		for _, f := range findings {
			categories = append(categories, f.Category)
		}
		p.logger.Warn("injection patterns detected in document text",
			"pipeline", name, "categories", categories)
	}

	result, err := p.structure(ctx, rawText, req)
	if err != nil {
		return nil, err
	}

	result.RawText = rawText
	result.Pipeline = name
	result.Duration = time.Since(started)

	p.cacheWrite(ctx, cacheKey, contentHash, name, result)

	p.logger.Info("document processed",
		"pipeline", name,
		"provider", result.Provider,
		"validated", result.Validated,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// sourceText obtains the raw text layer for the document: embedded PDF text
// when the yield is high enough, OCR over rasterized pages otherwise, OCR
// directly for images.
func (p *Pipeline) sourceText(ctx context.Context, source []byte) (string, error) {
	kind, mimeType := DetectKind(source)

	switch kind {
	case domain.DocPDF:
		text, pages, err := p.pdf.EmbeddedText(ctx, source)
		if err == nil && len(strings.TrimSpace(text)) > p.cfg.MinEmbeddedTextLen {
			p.logger.Info("using embedded pdf text", "pages", pages, "length", len(text))
			return text, nil
		}
		if err != nil {
			p.logger.Warn("embedded text extraction failed", "error", err)
		}
		return p.ocrPDF(ctx, source)

	case domain.DocImage:
		result, err := p.ocr.Recognize(ctx, source, mimeType)
		if err != nil {
			return "", err
		}
		return result.Text, nil

	default:
		return "", fmt.Errorf("unsupported document format")
	}
}

func (p *Pipeline) ocrPDF(ctx context.Context, source []byte) (string, error) {
	pages, err := p.pdf.Rasterize(ctx, source)
	if err != nil {
		return "", fmt.Errorf("rasterizing pdf: %w", err)
	}

	var b strings.Builder
	for _, page := range pages {
		result, err := p.ocr.Recognize(ctx, page.Image, "image/png")
		if err != nil {
			p.logger.Warn("page recognition failed", "page", page.Number, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(result.Text)
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("no text recovered from %d pages", len(pages))
	}
	return b.String(), nil
}

// structure runs the structuring completion under retry and the breaker.
// Validation failures are the retryable class; after the budget is spent the
// last response is salvaged with a lenient parse and flagged unvalidated.
func (p *Pipeline) structure(ctx context.Context, rawText string, req Request) (*domain.StructuredResult, error) {
	creq := p.structuringRequest(rawText, req)

	var resp *domain.Response
	var fields map[string]any

	err := resilience.Guarded(ctx, p.retry, p.breaker, "structuring", func() error {
		r, err := p.orch.Complete(ctx, creq)
		if err != nil {
			return err
		}
		resp = r

		f, err := p.extractor.ExtractAndValidate(r.Content, req.Schema)
		if err != nil {
			return err
		}
		fields = f
		return nil
	})

	validated := true
	if err != nil {
		if resp == nil || domain.ClassOf(err) != domain.ClassExtraction {
			return nil, err
		}
		salvaged, lerr := p.extractor.LenientParse(resp.Content)
		if lerr != nil {
			return nil, err
		}
		p.logger.Warn("schema validation exhausted retries, using lenient parse")
		fields = salvaged
		validated = false
	}

	var tokens int32
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	return &domain.StructuredResult{
		Fields:     fields,
		Provider:   resp.Provider,
		Model:      resp.Model,
		Validated:  validated,
		TokensUsed: tokens,
	}, nil
}

func (p *Pipeline) structuringRequest(rawText string, req Request) *domain.Request {
	instructions := req.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	if req.Schema != nil {
		if schemaJSON, err := json.Marshal(req.Schema); err == nil {
			instructions += "\n\nRespond with a single JSON object that satisfies this JSON schema:\n" + string(schemaJSON)
		}
	}

	return &domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: instructions},
			{Role: domain.RoleUser, Content: rawText},
		},
		Format: domain.FormatJSON,
	}
}

func (p *Pipeline) cacheRead(ctx context.Context, cacheKey, contentHash string) *domain.StructuredResult {
	if p.store == nil {
		return nil
	}

	entry, err := p.store.Get(ctx, cacheKey, contentHash)
	if err != nil {
		p.logger.Warn("cache read failed, proceeding without cache", "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	var result domain.StructuredResult
	if err := json.Unmarshal(entry.Response, &result); err != nil {
		p.logger.Warn("cached result unreadable, reprocessing", "error", err)
		return nil
	}
	return &result
}

func (p *Pipeline) cacheWrite(ctx context.Context, cacheKey, contentHash, function string, result *domain.StructuredResult) {
	if p.store == nil {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		p.logger.Warn("cache write skipped, result not serializable", "error", err)
		return
	}

	err = p.store.Set(ctx, cache.Entry{
		CacheKey:    cacheKey,
		ContentHash: contentHash,
		Function:    function,
		Response:    payload,
		Provider:    result.Provider,
		Model:       result.Model,
		TokensUsed:  result.TokensUsed,
	}, p.documentTTL)
	if err != nil {
		p.logger.Warn("cache write failed", "error", err)
	}
}
