package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// BedrockClient is a client for Anthropic models hosted on AWS Bedrock.
// It uses the Converse API for completions and InvokeModelWithResponseStream
// for native streaming.
type BedrockClient struct {
	runtimeClient *bedrockruntime.Client
	model         string
	region        string
}

// NewBedrockClient creates a new Bedrock client. Static credentials take
// precedence; otherwise the default AWS credential chain (profile, instance
// role) applies.
func NewBedrockClient(cfg config.BedrockConfig, settings domain.ConnectionSettings) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(BuildHTTPClient(settings)),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	} else if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &BedrockClient{
		runtimeClient: bedrockruntime.NewFromConfig(awsCfg),
		model:         cfg.Model,
		region:        region,
	}, nil
}

// Provider returns the provider type.
func (c *BedrockClient) Provider() domain.Provider {
	return domain.ProviderBedrock
}

// Complete performs a non-streaming completion via the Converse API.
func (c *BedrockClient) Complete(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	var messages []types.Message
	for _, msg := range req.Messages {
		if msg.Role == domain.RoleSystem || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: msg.Content},
			},
		})
	}

	maxTokens := int32(4096)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	inferenceConfig := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(maxTokens),
	}
	if req.Temperature != nil {
		inferenceConfig.Temperature = req.Temperature
	}

	var system []types.SystemContentBlock
	sysPrompt := req.SystemPrompt()
	if req.NeedsJSON() {
		hint := "Respond with a single valid JSON object and nothing else."
		if sysPrompt == "" {
			sysPrompt = hint
		} else {
			sysPrompt = sysPrompt + "\n\n" + hint
		}
	}
	if sysPrompt != "" {
		system = append(system, &types.SystemContentBlockMemberText{Value: sysPrompt})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		InferenceConfig: inferenceConfig,
		System:          system,
	}

	started := time.Now()
	output, err := c.runtimeClient.Converse(ctx, input)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderBedrock, err)
	}

	response := &domain.Response{
		Success:   true,
		Provider:  domain.ProviderBedrock,
		Model:     modelID,
		LatencyMs: time.Since(started).Milliseconds(),
	}

	if output.Output != nil {
		if msgOutput, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
			var text strings.Builder
			for _, block := range msgOutput.Value.Content {
				if tb, ok := block.(*types.ContentBlockMemberText); ok {
					text.WriteString(tb.Value)
				}
			}
			response.Content = text.String()
		}
	}

	if output.Usage != nil {
		response.Usage = &domain.Usage{
			PromptTokens:     aws.ToInt32(output.Usage.InputTokens),
			CompletionTokens: aws.ToInt32(output.Usage.OutputTokens),
			TotalTokens:      aws.ToInt32(output.Usage.InputTokens) + aws.ToInt32(output.Usage.OutputTokens),
		}
	}

	return response, nil
}

// Stream starts a streaming completion using the native Anthropic payload
// through InvokeModelWithResponseStream.
func (c *BedrockClient) Stream(ctx context.Context, req *domain.Request) (<-chan domain.StreamEvent, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	body, err := json.Marshal(c.buildNativeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	input := &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	}

	// The invocation happens before the channel is handed back, so a refused
	// request surfaces as a typed error and fallback chains can act on it.
	output, err := c.runtimeClient.InvokeModelWithResponseStream(ctx, input)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderBedrock,
			fmt.Errorf("invoking model %s: %w", modelID, err))
	}

	eventChan := make(chan domain.StreamEvent, 100)

	go func() {
		defer close(eventChan)

		stream := output.GetStream()
		defer stream.Close()

		var inputTokens int32
		finishSent := false

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var streamEvent struct {
				Type  string `json:"type"`
				Delta struct {
					Type       string `json:"type"`
					Text       string `json:"text"`
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Message struct {
					Usage struct {
						InputTokens int32 `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
				Usage struct {
					OutputTokens int32 `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(chunk.Value.Bytes, &streamEvent); err != nil {
				continue
			}

			switch streamEvent.Type {
			case "message_start":
				inputTokens = streamEvent.Message.Usage.InputTokens

			case "content_block_delta":
				if streamEvent.Delta.Type == "text_delta" && streamEvent.Delta.Text != "" {
					eventChan <- domain.TextChunk{Content: streamEvent.Delta.Text}
				}

			case "message_delta":
				if streamEvent.Usage.OutputTokens > 0 {
					eventChan <- domain.UsageEvent{
						Usage: domain.Usage{
							PromptTokens:     inputTokens,
							CompletionTokens: streamEvent.Usage.OutputTokens,
							TotalTokens:      inputTokens + streamEvent.Usage.OutputTokens,
						},
					}
				}
				if streamEvent.Delta.StopReason != "" {
					eventChan <- domain.FinishEvent{Reason: mapAnthropicStop(streamEvent.Delta.StopReason)}
					finishSent = true
				}
			}
		}

		if err := stream.Err(); err != nil && !finishSent {
			eventChan <- domain.ErrorEvent{Message: err.Error(), Class: domain.ClassUnavailable}
			eventChan <- domain.FinishEvent{Reason: domain.FinishReasonError}
			return
		}
		if !finishSent {
			eventChan <- domain.FinishEvent{Reason: domain.FinishReasonStop}
		}
	}()

	return eventChan, nil
}

// buildNativeRequest builds the Anthropic-native payload used by InvokeModel.
func (c *BedrockClient) buildNativeRequest(req *domain.Request) map[string]any {
	native := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
	}

	if req.MaxTokens != nil {
		native["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		native["temperature"] = *req.Temperature
	}
	if system := req.SystemPrompt(); system != "" {
		native["system"] = system
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		if msg.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}
	native["messages"] = messages

	return native
}
