package http

import (
	"encoding/base64"
	"fmt"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/resilience"
)

// ErrorDetail is the error payload body.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse wraps an error payload.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// OrchestrateRequest is the POST /v1/orchestrate body.
type OrchestrateRequest struct {
	Messages    []domain.Message        `json:"messages"`
	Model       string                  `json:"model,omitempty"`
	Temperature *float32                `json:"temperature,omitempty"`
	MaxTokens   *int32                  `json:"max_tokens,omitempty"`
	Format      domain.ResponseFormat   `json:"format,omitempty"`
	Vision      *VisionRequest          `json:"vision,omitempty"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
	TwoTier     bool                    `json:"two_tier,omitempty"`  // use the fixed primary/secondary chain
	Operation   string                  `json:"operation,omitempty"` // circuit breaker key; defaults to "orchestrate"
	Retry       *RetryOptions           `json:"retry,omitempty"`
}

// RetryOptions overrides the server retry policy for one request. Unset
// fields keep the server values.
type RetryOptions struct {
	MaxAttempts   int   `json:"max_attempts,omitempty"`
	BackoffBaseMs int64 `json:"backoff_base_ms,omitempty"`
}

func (o *RetryOptions) apply(base resilience.Policy) resilience.Policy {
	if o == nil {
		return base
	}
	if o.MaxAttempts > 0 {
		base.MaxAttempts = o.MaxAttempts
	}
	if o.BackoffBaseMs > 0 {
		base.BackoffBase = time.Duration(o.BackoffBaseMs) * time.Millisecond
	}
	return base
}

// VisionRequest carries a base64 image.
type VisionRequest struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
}

// ToDomain converts the wire request into the canonical form.
func (r *OrchestrateRequest) ToDomain(requestID string) (*domain.Request, error) {
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	req := &domain.Request{
		Messages:    r.Messages,
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Format:      r.Format,
		Tools:       r.Tools,
		Streaming:   r.Stream,
		RequestID:   requestID,
	}

	if r.Vision != nil && r.Vision.Data != "" {
		data, err := base64.StdEncoding.DecodeString(r.Vision.Data)
		if err != nil {
			return nil, fmt.Errorf("vision data is not valid base64: %w", err)
		}
		req.Vision = &domain.VisionPayload{Data: data, MimeType: r.Vision.MimeType}
	}

	return req, nil
}

// ExtractRequest is the POST /v1/extract JSON body. Multipart uploads carry
// the same fields as form values with the document in the "file" part.
type ExtractRequest struct {
	Source         string         `json:"source"` // base64 document bytes
	CallerID       string         `json:"caller_id"`
	Pipeline       string         `json:"pipeline,omitempty"`
	Schema         map[string]any `json:"schema,omitempty"`
	Instructions   string         `json:"instructions,omitempty"`
	ForceReprocess bool           `json:"force_reprocess,omitempty"`
}

// ExtractResponse is the POST /v1/extract response body.
type ExtractResponse struct {
	Fields     map[string]any  `json:"fields"`
	Provider   domain.Provider `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Validated  bool            `json:"validated"`
	Cached     bool            `json:"cached"`
	Pipeline   string          `json:"pipeline,omitempty"`
	TokensUsed int32           `json:"tokens_used,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// InvalidateRequest is the POST /v1/cache/invalidate body. Exactly one of
// CacheKey or Function must be set.
type InvalidateRequest struct {
	CacheKey string `json:"cache_key,omitempty"`
	Function string `json:"function,omitempty"`
}

// InvalidateResponse reports how many entries were removed.
type InvalidateResponse struct {
	Removed int64 `json:"removed"`
}
