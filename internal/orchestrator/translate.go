package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
)

// ChunkDelta is the incremental message fragment in a streamed chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is a single choice in a streamed chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkUsage mirrors the OpenAI usage block.
type ChunkUsage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

// CompletionChunk is one `chat.completion.chunk` frame.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChunkUsage   `json:"usage,omitempty"`
}

// StreamTranslator re-encodes normalized stream events as OpenAI
// chat.completion.chunk frames. Whichever tier actually served the call, the
// consumer reads a single wire protocol.
type StreamTranslator struct {
	id      string
	model   string
	created int64
	started bool
}

// NewStreamTranslator creates a translator for one streamed response.
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Translate converts one normalized event into a wire frame. The boolean is
// false for events with no chunk representation (failover markers are carried
// as SSE comments by the server, not as chunks).
func (t *StreamTranslator) Translate(ev domain.StreamEvent) ([]byte, bool, error) {
	switch e := ev.(type) {
	case domain.TextChunk:
		chunk := t.newChunk()
		delta := ChunkDelta{Content: e.Content}
		if !t.started {
			delta.Role = "assistant"
			t.started = true
		}
		chunk.Choices = []ChunkChoice{{Delta: delta}}
		return marshalChunk(chunk)

	case domain.ToolCallEvent:
		args, err := json.Marshal(e.ToolCall.Arguments)
		if err != nil {
			return nil, false, fmt.Errorf("encoding tool call arguments: %w", err)
		}
		chunk := t.newChunk()
		chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{
			Content: fmt.Sprintf(`{"tool":%q,"arguments":%s}`, e.ToolCall.Name, args),
		}}}
		return marshalChunk(chunk)

	case domain.UsageEvent:
		chunk := t.newChunk()
		chunk.Choices = []ChunkChoice{}
		chunk.Usage = &ChunkUsage{
			PromptTokens:     e.Usage.PromptTokens,
			CompletionTokens: e.Usage.CompletionTokens,
			TotalTokens:      e.Usage.TotalTokens,
		}
		return marshalChunk(chunk)

	case domain.FinishEvent:
		chunk := t.newChunk()
		reason := finishReasonWire(e.Reason)
		chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &reason}}
		return marshalChunk(chunk)

	default:
		return nil, false, nil
	}
}

func (t *StreamTranslator) newChunk() CompletionChunk {
	return CompletionChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
	}
}

func marshalChunk(chunk CompletionChunk) ([]byte, bool, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, false, fmt.Errorf("encoding chunk: %w", err)
	}
	return data, true, nil
}

func finishReasonWire(r domain.FinishReason) string {
	switch r {
	case domain.FinishReasonToolCalls:
		return "tool_calls"
	case domain.FinishReasonLength:
		return "length"
	case domain.FinishReasonError:
		return "error"
	default:
		return "stop"
	}
}
