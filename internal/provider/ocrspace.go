package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// OCRSpaceClient is a client for the OCR.space parse API.
type OCRSpaceClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOCRSpaceClient creates a new OCR.space client.
func NewOCRSpaceClient(cfg config.OCRSpaceConfig, settings domain.ConnectionSettings) *OCRSpaceClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.ocr.space/parse/image"
	}
	return &OCRSpaceClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: BuildHTTPClient(settings),
	}
}

// Provider returns the provider type.
func (c *OCRSpaceClient) Provider() domain.Provider {
	return domain.ProviderOCRSpace
}

// Recognize runs OCR on a single image.
func (c *OCRSpaceClient) Recognize(ctx context.Context, image []byte, mimeType string) (*domain.OCRResult, error) {
	form := url.Values{}
	form.Set("apikey", c.apiKey)
	form.Set("language", "eng")
	form.Set("OCREngine", "2")
	form.Set("scale", "true")
	form.Set("base64Image", fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image)))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderOCRSpace, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.NewStatusError(domain.ProviderOCRSpace, resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		ParsedResults []struct {
			ParsedText string `json:"ParsedText"`
		} `json:"ParsedResults"`
		IsErroredOnProcessing bool `json:"IsErroredOnProcessing"`
		ErrorMessage          any  `json:"ErrorMessage"` // string or []string depending on error
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewTransportError(domain.ProviderOCRSpace, fmt.Errorf("decoding response: %w", err))
	}

	if result.IsErroredOnProcessing {
		return nil, domain.NewStatusError(domain.ProviderOCRSpace, resp.StatusCode,
			fmt.Sprintf("processing error: %v", result.ErrorMessage))
	}

	var text strings.Builder
	for _, pr := range result.ParsedResults {
		text.WriteString(pr.ParsedText)
	}

	// The parse API reports no page-level confidence, so it is estimated from
	// the text itself.
	extracted := text.String()
	return &domain.OCRResult{
		Text:       extracted,
		Confidence: heuristicConfidence(extracted),
		Provider:   domain.ProviderOCRSpace,
	}, nil
}

var (
	reNumericValue = regexp.MustCompile(`\b\d+[.,]\d+\b`)
	reUnit         = regexp.MustCompile(`(?i)\b(mg/dl|g/dl|mmol/l|u/l|ui/l|fl|pg|%|mil/mm3|/mm3|ng/ml)\b`)
	reRefRange     = regexp.MustCompile(`\d+[.,]?\d*\s*(-|a|to)\s*\d+[.,]?\d*`)
)

// heuristicConfidence estimates OCR quality from the decoded text. Lab reports
// carry dense numeric values, measurement units, and reference ranges; their
// presence is a strong signal the page decoded cleanly.
func heuristicConfidence(txt string) float32 {
	score := float32(0.2)
	if reNumericValue.MatchString(txt) {
		score += 0.2
	}
	if reUnit.MatchString(txt) {
		score += 0.2
	}
	if reRefRange.MatchString(txt) {
		score += 0.15
	}
	if len(txt) > 120 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
