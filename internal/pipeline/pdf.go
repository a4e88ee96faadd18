package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// Runner executes external commands. The indirection exists so tests can stub
// pdftotext and pdftoppm without the poppler binaries installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Warn("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"stderr", truncateStr(errb.String(), 8<<10),
			"error", err)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// PDFProcessor extracts embedded text from PDFs and rasterizes scanned pages.
type PDFProcessor struct {
	runner Runner
	cfg    config.PipelineConfig
	client *http.Client
	logger *slog.Logger
}

// NewPDFProcessor creates a processor using the poppler tools named in cfg.
func NewPDFProcessor(cfg config.PipelineConfig, logger *slog.Logger) *PDFProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFProcessor{
		runner: execRunner{logger: logger},
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

// SetRunner replaces the command runner, for tests.
func (p *PDFProcessor) SetRunner(r Runner) { p.runner = r }

// EmbeddedText runs pdftotext over the document and returns the text layer
// with the page count. Scanned PDFs come back near-empty; the caller decides
// whether the yield is enough to skip OCR.
func (p *PDFProcessor) EmbeddedText(ctx context.Context, pdf []byte) (string, int, error) {
	path, cleanup, err := p.writeTemp(pdf)
	if err != nil {
		return "", 0, err
	}
	defer cleanup()

	out, _, err := p.runner.Run(ctx, p.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", 0, fmt.Errorf("pdftotext: %w", err)
	}

	text := string(out)
	pages := 1 + strings.Count(text, "\f")
	return text, pages, nil
}

// Rasterize renders each page to PNG bytes. pdftoppm is tried first; when it
// fails and an HTTP rasterizer is configured, the document is sent there.
func (p *PDFProcessor) Rasterize(ctx context.Context, pdf []byte) ([]domain.PDFPage, error) {
	pages, err := p.rasterizeLocal(ctx, pdf)
	if err == nil {
		return pages, nil
	}

	if p.cfg.RasterizerURL == "" {
		return nil, err
	}
	p.logger.Warn("local rasterization failed, using HTTP rasterizer", "error", err)
	return p.rasterizeHTTP(ctx, pdf)
}

func (p *PDFProcessor) rasterizeLocal(ctx context.Context, pdf []byte) ([]domain.PDFPage, error) {
	path, cleanup, err := p.writeTemp(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tmpDir, err := os.MkdirTemp("", "relaygate-raster-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	_, errb, err := p.runner.Run(ctx, p.cfg.Pdftoppm, "-r", fmt.Sprintf("%d", p.cfg.DPI), "-png", path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (%s)", err, truncateStr(string(errb), 512))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if p.cfg.MaxPages > 0 && len(matches) > p.cfg.MaxPages {
		matches = matches[:p.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}

	pages := make([]domain.PDFPage, 0, len(matches))
	for i, img := range matches {
		data, err := os.ReadFile(img)
		if err != nil {
			return nil, fmt.Errorf("reading rendered page: %w", err)
		}
		pages = append(pages, domain.PDFPage{Number: i + 1, Image: data})
	}
	return pages, nil
}

type rasterizeResponse struct {
	Pages []struct {
		Number int    `json:"number"`
		Image  string `json:"image"` // base64 PNG
	} `json:"pages"`
	Error string `json:"error,omitempty"`
}

func (p *PDFProcessor) rasterizeHTTP(ctx context.Context, pdf []byte) ([]domain.PDFPage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RasterizerURL, bytes.NewReader(pdf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/pdf")
	if p.cfg.RasterizerAPIKey != "" {
		httpReq.Header.Set("X-API-Key", p.cfg.RasterizerAPIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rasterizer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rasterizer status %d: %s", resp.StatusCode, truncateStr(string(body), 240))
	}

	var parsed rasterizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding rasterizer response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("rasterizer: %s", parsed.Error)
	}

	pages := make([]domain.PDFPage, 0, len(parsed.Pages))
	for _, pg := range parsed.Pages {
		img, err := base64.StdEncoding.DecodeString(pg.Image)
		if err != nil {
			return nil, fmt.Errorf("decoding page %d image: %w", pg.Number, err)
		}
		pages = append(pages, domain.PDFPage{Number: pg.Number, Image: img})
	}
	if p.cfg.MaxPages > 0 && len(pages) > p.cfg.MaxPages {
		pages = pages[:p.cfg.MaxPages]
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("rasterizer returned no pages")
	}
	return pages, nil
}

func (p *PDFProcessor) writeTemp(pdf []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "relaygate-*.pdf")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(pdf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
