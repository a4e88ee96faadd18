package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// GoogleVisionClient is a client for the Google Cloud Vision text detection API.
type GoogleVisionClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGoogleVisionClient creates a new Google Vision client.
func NewGoogleVisionClient(cfg config.GoogleVisionConfig, settings domain.ConnectionSettings) *GoogleVisionClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://vision.googleapis.com/v1/images:annotate"
	}
	return &GoogleVisionClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: BuildHTTPClient(settings),
	}
}

// Provider returns the provider type.
func (c *GoogleVisionClient) Provider() domain.Provider {
	return domain.ProviderGoogleVision
}

// Recognize runs document text detection on a single image.
func (c *GoogleVisionClient) Recognize(ctx context.Context, image []byte, mimeType string) (*domain.OCRResult, error) {
	reqBody := map[string]any{
		"requests": []map[string]any{
			{
				"image": map[string]any{
					"content": base64.StdEncoding.EncodeToString(image),
				},
				"features": []map[string]any{
					{"type": "DOCUMENT_TEXT_DETECTION"},
				},
			},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"?key="+c.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderGoogleVision, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.NewStatusError(domain.ProviderGoogleVision, resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Responses []struct {
			FullTextAnnotation struct {
				Text  string `json:"text"`
				Pages []struct {
					Confidence float32 `json:"confidence"`
				} `json:"pages"`
			} `json:"fullTextAnnotation"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"responses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewTransportError(domain.ProviderGoogleVision, fmt.Errorf("decoding response: %w", err))
	}

	if len(result.Responses) == 0 {
		return nil, domain.NewStatusError(domain.ProviderGoogleVision, resp.StatusCode, "empty annotation response")
	}

	annotation := result.Responses[0]
	if annotation.Error.Message != "" {
		return nil, domain.NewStatusError(domain.ProviderGoogleVision, resp.StatusCode, annotation.Error.Message)
	}

	text := annotation.FullTextAnnotation.Text

	// Average the per-page confidence when the API reports it; fall back to
	// the text heuristic otherwise.
	confidence := float32(0)
	if pages := annotation.FullTextAnnotation.Pages; len(pages) > 0 {
		var sum float32
		for _, p := range pages {
			sum += p.Confidence
		}
		confidence = sum / float32(len(pages))
	}
	if confidence == 0 {
		confidence = heuristicConfidence(text)
	}

	return &domain.OCRResult{
		Text:       text,
		Confidence: confidence,
		Provider:   domain.ProviderGoogleVision,
	}, nil
}
