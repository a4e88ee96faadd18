// Package domain defines core domain types for the RelayGate orchestration layer.
package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Provider Types
// =============================================================================

// Provider identifies an upstream completion or OCR provider.
type Provider string

const (
	ProviderOpenAI       Provider = "openai"
	ProviderAnthropic    Provider = "anthropic"
	ProviderBedrock      Provider = "bedrock"
	ProviderOCRSpace     Provider = "ocrspace"
	ProviderGoogleVision Provider = "google_vision"
)

// AllProviders returns all supported providers.
func AllProviders() []Provider {
	return []Provider{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderBedrock,
		ProviderOCRSpace,
		ProviderGoogleVision,
	}
}

// ParseProvider parses a provider string.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "gpt":
		return ProviderOpenAI, true
	case "anthropic", "claude":
		return ProviderAnthropic, true
	case "bedrock", "aws", "aws-bedrock", "aws_bedrock":
		return ProviderBedrock, true
	case "ocrspace", "ocr_space", "ocr.space":
		return ProviderOCRSpace, true
	case "google_vision", "googlevision", "vision":
		return ProviderGoogleVision, true
	default:
		return "", false
	}
}

// ProviderKind distinguishes what a provider can be asked to do.
type ProviderKind string

const (
	KindCompletion ProviderKind = "completion"
	KindOCR        ProviderKind = "ocr"
)

// ProviderDescriptor is configuration data, not runtime state. The descriptor
// table is built once at startup and never mutated afterwards; concurrent
// orchestration passes share it by reference.
type ProviderDescriptor struct {
	Name            Provider     `json:"name"`
	Kind            ProviderKind `json:"kind"`
	Enabled         bool         `json:"enabled"`
	Priority        int          `json:"priority"` // lower = tried first
	Model           string       `json:"model"`    // default model for this provider
	SupportsVision  bool         `json:"supports_vision"`
	SupportsJSON    bool         `json:"supports_json"`
	InputCostPer1M  float64      `json:"input_cost_per_1m"`
	OutputCostPer1M float64      `json:"output_cost_per_1m"`
	RateLimitRPM    int          `json:"rate_limit_rpm"` // hint only; enforcement is the host's concern
}

// Cost calculates the USD cost of a call given token usage.
func (d ProviderDescriptor) Cost(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	in := (float64(usage.PromptTokens) / 1_000_000.0) * d.InputCostPer1M
	out := (float64(usage.CompletionTokens) / 1_000_000.0) * d.OutputCostPer1M
	return in + out
}

// ConnectionSettings controls the HTTP transport for a provider client.
type ConnectionSettings struct {
	MaxConnections     int
	MaxIdleConnections int
	IdleTimeoutSec     int
	RequestTimeoutSec  int
	EnableKeepAlive    bool
	EnableHTTP2        bool
}

// DefaultConnectionSettings returns sensible transport defaults.
func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		MaxConnections:     50,
		MaxIdleConnections: 10,
		IdleTimeoutSec:     90,
		RequestTimeoutSec:  120,
		EnableKeepAlive:    true,
		EnableHTTP2:        true,
	}
}

// =============================================================================
// Request Types
// =============================================================================

// Role tags a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains the shape of the completion output.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// VisionPayload carries image bytes for vision-capable completions.
type VisionPayload struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// ToolDefinition declares a callable function for the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation returned by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is the canonical completion request. It is immutable per call:
// adapters translate it, they never modify it.
type Request struct {
	Messages    []Message        `json:"messages"`
	Model       string           `json:"model,omitempty"` // hint; adapters fall back to their descriptor default
	Temperature *float32         `json:"temperature,omitempty"`
	MaxTokens   *int32           `json:"max_tokens,omitempty"`
	Format      ResponseFormat   `json:"format,omitempty"`
	Vision      *VisionPayload   `json:"vision,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Streaming   bool             `json:"stream,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
}

// NeedsVision reports whether the request carries an image payload.
func (r *Request) NeedsVision() bool {
	return r.Vision != nil && len(r.Vision.Data) > 0
}

// NeedsJSON reports whether the request demands a JSON-formatted response.
func (r *Request) NeedsJSON() bool {
	return r.Format == FormatJSON
}

// SystemPrompt returns the concatenated system messages, for providers that
// take system instructions out-of-band.
func (r *Request) SystemPrompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// =============================================================================
// Response Types
// =============================================================================

// Usage contains token accounting for a completion.
type Usage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

// Response is the canonical completion response.
type Response struct {
	Success     bool      `json:"success"`
	Content     string    `json:"content,omitempty"`
	ToolCall    *ToolCall `json:"tool_call,omitempty"`
	Provider    Provider  `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	Usage       *Usage    `json:"usage,omitempty"`
	LatencyMs   int64     `json:"latency_ms,omitempty"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	ErrorDetail string    `json:"error,omitempty"`
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonLength    FinishReason = "length"
	FinishReasonError     FinishReason = "error"
)

// StreamEvent is a normalized streaming event. The set of variants is closed:
// adapters translate their native stream protocol into these.
type StreamEvent interface {
	eventType() string
}

// TextChunk is an incremental text delta.
type TextChunk struct {
	Content string `json:"content"`
}

func (TextChunk) eventType() string { return "text" }

// ToolCallEvent is a complete tool call.
type ToolCallEvent struct {
	ToolCall ToolCall `json:"tool_call"`
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// UsageEvent carries token usage observed on the stream.
type UsageEvent struct {
	Usage Usage `json:"usage"`
}

func (UsageEvent) eventType() string { return "usage" }

// FinishEvent terminates the stream.
type FinishEvent struct {
	Reason FinishReason `json:"reason"`
}

func (FinishEvent) eventType() string { return "finish" }

// ErrorEvent reports a stream-level failure.
type ErrorEvent struct {
	Message string       `json:"message"`
	Class   FailureClass `json:"class"`
}

func (ErrorEvent) eventType() string { return "error" }

// FailoverEvent signals that the two-tier chain switched providers mid-call.
// Emitted at the moment of failover so operators get a direct signal instead
// of reconstructing switches from log timestamps.
type FailoverEvent struct {
	From   Provider `json:"from"`
	To     Provider `json:"to"`
	Reason string   `json:"reason"`
}

func (FailoverEvent) eventType() string { return "failover" }

// =============================================================================
// Document Extraction Types
// =============================================================================

// DocumentKind is determined from the byte signature of the source.
type DocumentKind string

const (
	DocPDF     DocumentKind = "pdf"
	DocImage   DocumentKind = "image"
	DocUnknown DocumentKind = "unknown"
)

// OCRResult is the outcome of one OCR provider call. Produced by the pipeline,
// consumed by structuring, then discarded; persistence is the host's concern.
type OCRResult struct {
	Text       string   `json:"text"`
	Confidence float32  `json:"confidence"`
	Provider   Provider `json:"provider"`
}

// PDFPage holds the per-page payload of a processed PDF: either extracted
// text (fast path) or a rasterized image destined for OCR.
type PDFPage struct {
	Number int    `json:"number"`
	Text   string `json:"text,omitempty"`
	Image  []byte `json:"image,omitempty"`
}

// StructuredResult is the terminal output of the document extraction pipeline.
type StructuredResult struct {
	Fields     map[string]any `json:"fields"`
	RawText    string         `json:"raw_text,omitempty"`
	Provider   Provider       `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Validated  bool           `json:"validated"` // false when only the lenient fallback parse succeeded
	Cached     bool           `json:"cached,omitempty"`
	Pipeline   string         `json:"pipeline,omitempty"`
	TokensUsed int32          `json:"tokens_used,omitempty"`
	Duration   time.Duration  `json:"-"`
}
