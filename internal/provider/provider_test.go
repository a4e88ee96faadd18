package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

func float32Ptr(v float32) *float32 { return &v }
func int32Ptr(v int32) *int32       { return &v }

func TestOpenAIComplete(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"message":       map[string]any{"content": "hemoglobin is 13.5 g/dL"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     120,
				"completion_tokens": 18,
				"total_tokens":      138,
			},
		})
	}))
	defer server.Close()

	client, err := NewOpenAIClient(config.OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		ProviderCommon: config.ProviderCommon{
			Model: "gpt-4o-mini",
		},
	}, domain.DefaultConnectionSettings())
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Complete(context.Background(), &domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You extract lab values."},
			{Role: domain.RoleUser, Content: "What is the hemoglobin?"},
		},
		Temperature: float32Ptr(0.1),
		MaxTokens:   int32Ptr(500),
		Format:      domain.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "hemoglobin is 13.5 g/dL" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Provider != domain.ProviderOpenAI {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Usage.TotalTokens != 138 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}

	if captured["model"] != "gpt-4o-mini" {
		t.Errorf("wire model = %v", captured["model"])
	}
	rf, ok := captured["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", captured["response_format"])
	}
	messages := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("wire messages = %d, want 2", len(messages))
	}
}

func TestOpenAICompleteVisionAttachesDataURL(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	client, _ := NewOpenAIClient(config.OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL}, domain.DefaultConnectionSettings())

	_, err := client.Complete(context.Background(), &domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "read this scan"}},
		Vision:   &domain.VisionPayload{Data: []byte{0x89, 0x50}, MimeType: "image/png"},
	})
	if err != nil {
		t.Fatal(err)
	}

	messages := captured["messages"].([]any)
	content, ok := messages[0].(map[string]any)["content"].([]any)
	if !ok || len(content) != 2 {
		t.Fatalf("vision message content = %v", messages[0])
	}
	imagePart := content[1].(map[string]any)
	if imagePart["type"] != "image_url" {
		t.Errorf("second part type = %v", imagePart["type"])
	}
}

func TestOpenAICompleteStatusErrors(t *testing.T) {
	for _, tc := range []struct {
		status int
		class  domain.FailureClass
	}{
		{429, domain.ClassRateLimited},
		{402, domain.ClassQuota},
		{500, domain.ClassUnavailable},
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error": "upstream"}`))
		}))

		client, _ := NewOpenAIClient(config.OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL}, domain.DefaultConnectionSettings())
		_, err := client.Complete(context.Background(), &domain.Request{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := domain.ClassOf(err); got != tc.class {
			t.Errorf("status %d: class = %q, want %q", tc.status, got, tc.class)
		}
		var pe *domain.ProviderError
		if !errors.As(err, &pe) || pe.StatusCode != tc.status {
			t.Errorf("status %d: error %v not a ProviderError with that status", tc.status, err)
		}
	}
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hemo"}}]}`,
			`{"choices":[{"delta":{"content":"globin"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
			"[DONE]",
		}
		for _, chunk := range chunks {
			w.Write([]byte("data: " + chunk + "\n\n"))
		}
	}))
	defer server.Close()

	client, _ := NewOpenAIClient(config.OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL}, domain.DefaultConnectionSettings())

	events, err := client.Stream(context.Background(), &domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var usage *domain.Usage
	var finished bool
	for ev := range events {
		switch v := ev.(type) {
		case domain.TextChunk:
			text += v.Content
		case domain.UsageEvent:
			usage = &v.Usage
		case domain.FinishEvent:
			finished = true
			if v.Reason != domain.FinishReasonStop {
				t.Errorf("finish reason = %q", v.Reason)
			}
		}
	}

	if text != "Hemoglobin" {
		t.Errorf("streamed text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", usage)
	}
	if !finished {
		t.Error("no finish event")
	}
}

func TestOpenAIStreamRejectionReturnsTypedError(t *testing.T) {
	// A refused stream must fail before the channel exists; fallback chains
	// depend on seeing the typed error from Stream itself.
	for _, tc := range []struct {
		status int
		class  domain.FailureClass
	}{
		{429, domain.ClassRateLimited},
		{402, domain.ClassQuota},
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client, _ := NewOpenAIClient(config.OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL}, domain.DefaultConnectionSettings())
		events, err := client.Stream(context.Background(), &domain.Request{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: Stream returned nil error", tc.status)
		}
		if events != nil {
			t.Errorf("status %d: rejected stream still returned a channel", tc.status)
		}
		var pe *domain.ProviderError
		if !errors.As(err, &pe) || pe.StatusCode != tc.status {
			t.Errorf("status %d: error %v not a ProviderError with that status", tc.status, err)
		}
		if got := domain.ClassOf(err); got != tc.class {
			t.Errorf("status %d: class = %q, want %q", tc.status, got, tc.class)
		}
	}
}

func TestAnthropicStreamRejectionReturnsTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := NewAnthropicClient(config.AnthropicConfig{APIKey: "sk-ant", BaseURL: server.URL}, domain.DefaultConnectionSettings())
	_, err := client.Stream(context.Background(), &domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Stream returned nil error for a 429")
	}
	if got := domain.ClassOf(err); got != domain.ClassRateLimited {
		t.Errorf("class = %q, want %q", got, domain.ClassRateLimited)
	}
}

func TestAnthropicComplete(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-3-5-haiku-20241022",
			"content": []map[string]any{
				{"type": "text", "text": `{"hemoglobin": 13.5}`},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 80, "output_tokens": 12},
		})
	}))
	defer server.Close()

	client, err := NewAnthropicClient(config.AnthropicConfig{
		APIKey:  "sk-ant",
		BaseURL: server.URL,
	}, domain.DefaultConnectionSettings())
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Complete(context.Background(), &domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Extract values."},
			{Role: domain.RoleUser, Content: "report text"},
		},
		Format: domain.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != `{"hemoglobin": 13.5}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 92 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}

	// system prompt moves out of the message list
	if captured["system"] == nil || captured["system"] == "" {
		t.Error("system field missing on wire")
	}
	messages := captured["messages"].([]any)
	for _, m := range messages {
		if m.(map[string]any)["role"] == "system" {
			t.Error("system role leaked into messages array")
		}
	}
}

func TestAnthropicStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":50}}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Glu"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"cose"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			w.Write([]byte("data: " + ev + "\n\n"))
		}
	}))
	defer server.Close()

	client, _ := NewAnthropicClient(config.AnthropicConfig{APIKey: "sk-ant", BaseURL: server.URL}, domain.DefaultConnectionSettings())

	events, err := client.Stream(context.Background(), &domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var usage *domain.Usage
	for ev := range events {
		switch v := ev.(type) {
		case domain.TextChunk:
			text += v.Content
		case domain.UsageEvent:
			usage = &v.Usage
		}
	}

	if text != "Glucose" {
		t.Errorf("streamed text = %q", text)
	}
	if usage == nil || usage.PromptTokens != 50 || usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOCRSpaceRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("apikey") != "ocr-key" {
			t.Errorf("apikey = %q", r.PostForm.Get("apikey"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ParsedResults": []map[string]any{
				{"ParsedText": "Hemoglobin 13.5 g/dL Reference 12.0 - 16.0"},
			},
			"IsErroredOnProcessing": false,
		})
	}))
	defer server.Close()

	client := NewOCRSpaceClient(config.OCRSpaceConfig{APIKey: "ocr-key", BaseURL: server.URL}, domain.DefaultConnectionSettings())

	result, err := client.Recognize(context.Background(), []byte("fake-png"), "image/png")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if result.Text == "" {
		t.Error("empty text")
	}
	if result.Provider != domain.ProviderOCRSpace {
		t.Errorf("provider = %q", result.Provider)
	}
	// text with value, unit, and range should score well
	if result.Confidence < 0.5 {
		t.Errorf("confidence = %f, want >= 0.5", result.Confidence)
	}
}

func TestOCRSpaceProcessingError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"IsErroredOnProcessing": true,
			"ErrorMessage":          []string{"Unable to parse image"},
		})
	}))
	defer server.Close()

	client := NewOCRSpaceClient(config.OCRSpaceConfig{APIKey: "k", BaseURL: server.URL}, domain.DefaultConnectionSettings())
	if _, err := client.Recognize(context.Background(), []byte("bad"), "image/png"); err == nil {
		t.Error("expected error for processing failure")
	}
}

func TestGoogleVisionRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "gv-key" {
			t.Errorf("key param = %q", r.URL.Query().Get("key"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"responses": []map[string]any{
				{
					"fullTextAnnotation": map[string]any{
						"text":  "Glucose 92 mg/dL",
						"pages": []map[string]any{{"confidence": 0.94}},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewGoogleVisionClient(config.GoogleVisionConfig{APIKey: "gv-key", BaseURL: server.URL}, domain.DefaultConnectionSettings())

	result, err := client.Recognize(context.Background(), []byte("fake-jpg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if result.Text != "Glucose 92 mg/dL" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Confidence != 0.94 {
		t.Errorf("confidence = %f, want provider-reported 0.94", result.Confidence)
	}
}

func TestHeuristicConfidence(t *testing.T) {
	garbage := heuristicConfidence("~~~###")
	clean := heuristicConfidence("Hemoglobin 13.5 g/dL reference 12.0 - 16.0 Glucose 92 mg/dL within range; full panel follows with additional analytes and notes")
	if clean <= garbage {
		t.Errorf("clean text (%f) should outscore garbage (%f)", clean, garbage)
	}
}

func TestRegistryClosedSet(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.OpenAI.Enabled = true
	cfg.Providers.OpenAI.APIKey = "sk-x"
	cfg.Providers.OCRSpace.Enabled = true
	cfg.Providers.OCRSpace.APIKey = "ocr-x"

	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, err := reg.Completion(domain.ProviderOpenAI); err != nil {
		t.Errorf("openai should be registered: %v", err)
	}
	if _, err := reg.Completion(domain.ProviderAnthropic); err == nil {
		t.Error("anthropic is disabled, lookup should fail")
	}
	if _, err := reg.OCR(domain.ProviderOCRSpace); err != nil {
		t.Errorf("ocrspace should be registered: %v", err)
	}

	if d, ok := reg.Descriptor(domain.ProviderOpenAI); !ok || d.Kind != domain.KindCompletion {
		t.Errorf("descriptor lookup failed: %+v %v", d, ok)
	}
}

func TestSSEReaderMultiLineData(t *testing.T) {
	input := "event: delta\ndata: line1\ndata: line2\n\ndata: [DONE]\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	first, err := reader.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if first.Event != "delta" || first.Data != "line1\nline2" {
		t.Errorf("event = %+v", first)
	}

	second, err := reader.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if second.Data != "[DONE]" {
		t.Errorf("data = %q", second.Data)
	}
}
