package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// OpenAIClient is a client for the OpenAI chat completions API and
// compatible endpoints.
type OpenAIClient struct {
	apiKey     string
	orgID      string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg config.OpenAIConfig, settings domain.ConnectionSettings) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		orgID:      cfg.OrgID,
		baseURL:    baseURL,
		model:      cfg.Model,
		httpClient: BuildHTTPClient(settings),
	}, nil
}

// Provider returns the provider type.
func (c *OpenAIClient) Provider() domain.Provider {
	return domain.ProviderOpenAI
}

// Complete performs a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	started := time.Now()
	resp, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderOpenAI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, domain.NewStatusError(domain.ProviderOpenAI, resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int32 `json:"prompt_tokens"`
			CompletionTokens int32 `json:"completion_tokens"`
			TotalTokens      int32 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewTransportError(domain.ProviderOpenAI, fmt.Errorf("decoding response: %w", err))
	}

	response := &domain.Response{
		Success:  true,
		Provider: domain.ProviderOpenAI,
		Model:    result.Model,
		Usage: &domain.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		LatencyMs: time.Since(started).Milliseconds(),
	}

	if len(result.Choices) > 0 {
		choice := result.Choices[0]
		response.Content = choice.Message.Content

		if len(choice.Message.ToolCalls) > 0 {
			tc := choice.Message.ToolCalls[0]
			var args map[string]any
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
			response.ToolCall = &domain.ToolCall{
				Name:      tc.Function.Name,
				Arguments: args,
			}
		}
	}

	return response, nil
}

// Stream starts a streaming chat completion. The HTTP exchange and status
// check happen before this returns, so a refused request surfaces as a typed
// error and fallback chains can act on it. The returned channel is closed
// after the final event.
func (c *OpenAIClient) Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error) {
	openaiReq := c.buildRequest(req, true)
	openaiReq["stream_options"] = map[string]any{
		"include_usage": true,
	}

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderOpenAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, domain.NewStatusError(domain.ProviderOpenAI, resp.StatusCode, string(bodyBytes))
	}

	eventChan := make(chan domain.StreamEvent, 100)

	go func() {
		defer close(eventChan)
		defer resp.Body.Close()
		c.parseStream(resp.Body, eventChan)
	}()

	return eventChan, nil
}

func (c *OpenAIClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.orgID != "" {
		httpReq.Header.Set("OpenAI-Organization", c.orgID)
	}

	return c.httpClient.Do(httpReq)
}

// buildRequest builds the OpenAI wire request from the canonical request.
func (c *OpenAIClient) buildRequest(req *domain.Request, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.model
	}

	openaiReq := map[string]any{
		"model":  model,
		"stream": stream,
	}

	if req.MaxTokens != nil {
		openaiReq["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		openaiReq["temperature"] = *req.Temperature
	}
	if req.NeedsJSON() {
		openaiReq["response_format"] = map[string]any{"type": "json_object"}
	}

	var messages []map[string]any
	for i, msg := range req.Messages {
		openaiMsg := map[string]any{
			"role": string(msg.Role),
		}

		// The image rides on the last user message as a data URL part.
		if req.NeedsVision() && msg.Role == domain.RoleUser && i == lastUserIndex(req.Messages) {
			dataURL := fmt.Sprintf("data:%s;base64,%s",
				req.Vision.MimeType,
				base64.StdEncoding.EncodeToString(req.Vision.Data))
			openaiMsg["content"] = []map[string]any{
				{"type": "text", "text": msg.Content},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			}
		} else {
			openaiMsg["content"] = msg.Content
		}

		messages = append(messages, openaiMsg)
	}
	openaiReq["messages"] = messages

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		openaiReq["tools"] = tools
	}

	return openaiReq
}

// parseStream consumes the SSE stream and emits normalized events. Usage
// arrives on the final chunk, so the finish reason is buffered until then.
func (c *OpenAIClient) parseStream(body io.Reader, eventChan chan<- domain.StreamEvent) {
	finishSent := false
	var pendingFinish string
	toolArgs := make(map[string]*toolCallAccumulator)

	err := forEachSSEEvent(body, func(event *SSEEvent) bool {
		if event.Data == "[DONE]" {
			flushToolCalls(toolArgs, eventChan)
			if !finishSent {
				eventChan <- domain.FinishEvent{Reason: mapOpenAIFinish(pendingFinish)}
				finishSent = true
			}
			return true
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int `json:"index"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int32 `json:"prompt_tokens"`
				CompletionTokens int32 `json:"completion_tokens"`
				TotalTokens      int32 `json:"total_tokens"`
			} `json:"usage"`
		}

		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			return false
		}

		if chunk.Usage.TotalTokens > 0 {
			eventChan <- domain.UsageEvent{
				Usage: domain.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				},
			}
			if pendingFinish != "" && !finishSent {
				flushToolCalls(toolArgs, eventChan)
				eventChan <- domain.FinishEvent{Reason: mapOpenAIFinish(pendingFinish)}
				finishSent = true
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				eventChan <- domain.TextChunk{Content: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := toolArgs[fmt.Sprint(tc.Index)]
				if !ok {
					acc = &toolCallAccumulator{}
					toolArgs[fmt.Sprint(tc.Index)] = acc
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" && !finishSent {
				pendingFinish = choice.FinishReason
			}
		}
		return false
	})

	// A read failure mid-stream, as opposed to a plain EOF, means the body
	// broke under us; surface it before terminating.
	if err != nil && err != io.EOF && !finishSent {
		eventChan <- domain.ErrorEvent{Message: err.Error(), Class: domain.ClassUnavailable}
		eventChan <- domain.FinishEvent{Reason: domain.FinishReasonError}
	}
}

type toolCallAccumulator struct {
	name string
	args bytes.Buffer
}

// flushToolCalls emits accumulated tool-call argument fragments as complete
// tool calls, then resets the accumulator.
func flushToolCalls(acc map[string]*toolCallAccumulator, eventChan chan<- domain.StreamEvent) {
	for key, tc := range acc {
		if tc.name == "" {
			continue
		}
		var args map[string]any
		json.Unmarshal(tc.args.Bytes(), &args)
		eventChan <- domain.ToolCallEvent{
			ToolCall: domain.ToolCall{Name: tc.name, Arguments: args},
		}
		delete(acc, key)
	}
}

func mapOpenAIFinish(reason string) domain.FinishReason {
	switch reason {
	case "tool_calls":
		return domain.FinishReasonToolCalls
	case "length":
		return domain.FinishReasonLength
	default:
		return domain.FinishReasonStop
	}
}

func lastUserIndex(messages []domain.Message) int {
	last := -1
	for i, m := range messages {
		if m.Role == domain.RoleUser {
			last = i
		}
	}
	return last
}
