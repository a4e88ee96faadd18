package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg config.AnthropicConfig, settings domain.ConnectionSettings) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}

	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: BuildHTTPClient(settings),
	}, nil
}

// Provider returns the provider type.
func (c *AnthropicClient) Provider() domain.Provider {
	return domain.ProviderAnthropic
}

// Complete performs a non-streaming completion.
func (c *AnthropicClient) Complete(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	started := time.Now()
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.NewStatusError(domain.ProviderAnthropic, resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Model   string `json:"model"`
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int32 `json:"input_tokens"`
			OutputTokens int32 `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewTransportError(domain.ProviderAnthropic, fmt.Errorf("decoding response: %w", err))
	}

	var content strings.Builder
	var toolCall *domain.ToolCall
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			if toolCall == nil {
				toolCall = &domain.ToolCall{Name: block.Name, Arguments: block.Input}
			}
		}
	}

	return &domain.Response{
		Success:  true,
		Content:  content.String(),
		ToolCall: toolCall,
		Provider: domain.ProviderAnthropic,
		Model:    result.Model,
		Usage: &domain.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
		LatencyMs: time.Since(started).Milliseconds(),
	}, nil
}

// Stream starts a streaming completion. The HTTP exchange and status check
// happen before this returns, so a refused request surfaces as a typed error
// and fallback chains can act on it.
func (c *AnthropicClient) Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderAnthropic, err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, domain.NewStatusError(domain.ProviderAnthropic, resp.StatusCode, string(bodyBytes))
	}

	eventChan := make(chan domain.StreamEvent, 100)

	go func() {
		defer close(eventChan)
		defer resp.Body.Close()
		c.parseStream(resp.Body, eventChan)
	}()

	return eventChan, nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	return c.httpClient.Do(httpReq)
}

// buildRequest builds the Anthropic wire request. System messages go into the
// top-level system field; JSON formatting rides on the system prompt since the
// Messages API has no response_format.
func (c *AnthropicClient) buildRequest(req *domain.Request, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.model
	}

	anthropicReq := map[string]any{
		"model":      model,
		"max_tokens": 8192,
		"stream":     stream,
	}

	if req.MaxTokens != nil {
		anthropicReq["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		anthropicReq["temperature"] = *req.Temperature
	}

	system := req.SystemPrompt()
	if req.NeedsJSON() {
		jsonHint := "Respond with a single valid JSON object and nothing else."
		if system == "" {
			system = jsonHint
		} else {
			system = system + "\n\n" + jsonHint
		}
	}
	if system != "" {
		anthropicReq["system"] = system
	}

	var messages []map[string]any
	lastUser := lastUserIndex(req.Messages)
	for i, msg := range req.Messages {
		if msg.Role == domain.RoleSystem {
			continue
		}

		if req.NeedsVision() && msg.Role == domain.RoleUser && i == lastUser {
			messages = append(messages, map[string]any{
				"role": string(msg.Role),
				"content": []map[string]any{
					{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": req.Vision.MimeType,
							"data":       base64.StdEncoding.EncodeToString(req.Vision.Data),
						},
					},
					{"type": "text", "text": msg.Content},
				},
			})
			continue
		}

		messages = append(messages, map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}
	anthropicReq["messages"] = messages

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		anthropicReq["tools"] = tools
	}

	return anthropicReq
}

// parseStream consumes the Anthropic event stream and emits normalized events.
func (c *AnthropicClient) parseStream(body io.Reader, eventChan chan<- domain.StreamEvent) {
	var inputTokens int32
	var toolName string
	var toolArgs bytes.Buffer
	finishSent := false

	err := forEachSSEEvent(body, func(sse *SSEEvent) bool {
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			ContentBlock struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"content_block"`
			Message struct {
				Usage struct {
					InputTokens int32 `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage struct {
				OutputTokens int32 `json:"output_tokens"`
			} `json:"usage"`
		}

		if err := json.Unmarshal([]byte(sse.Data), &event); err != nil {
			return false
		}

		switch event.Type {
		case "message_start":
			inputTokens = event.Message.Usage.InputTokens

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolName = event.ContentBlock.Name
				toolArgs.Reset()
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					eventChan <- domain.TextChunk{Content: event.Delta.Text}
				}
			case "input_json_delta":
				toolArgs.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if toolName != "" {
				var args map[string]any
				json.Unmarshal(toolArgs.Bytes(), &args)
				eventChan <- domain.ToolCallEvent{
					ToolCall: domain.ToolCall{Name: toolName, Arguments: args},
				}
				toolName = ""
			}

		case "message_delta":
			// Usage goes out before the finish event so accounting is complete
			// when the stream terminates.
			if event.Usage.OutputTokens > 0 {
				eventChan <- domain.UsageEvent{
					Usage: domain.Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      inputTokens + event.Usage.OutputTokens,
					},
				}
			}
			if event.Delta.StopReason != "" {
				eventChan <- domain.FinishEvent{Reason: mapAnthropicStop(event.Delta.StopReason)}
				finishSent = true
			}

		case "message_stop":
			if !finishSent {
				eventChan <- domain.FinishEvent{Reason: domain.FinishReasonStop}
				finishSent = true
			}
			return true
		}
		return false
	})

	if err != nil && err != io.EOF && !finishSent {
		eventChan <- domain.ErrorEvent{Message: err.Error(), Class: domain.ClassUnavailable}
		eventChan <- domain.FinishEvent{Reason: domain.FinishReasonError}
	}
}

func mapAnthropicStop(reason string) domain.FinishReason {
	switch reason {
	case "tool_use":
		return domain.FinishReasonToolCalls
	case "max_tokens":
		return domain.FinishReasonLength
	default:
		return domain.FinishReasonStop
	}
}
