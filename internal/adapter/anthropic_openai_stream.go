package adapter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// AnthropicToOpenAIStream rewrites an Anthropic Messages SSE stream into
// OpenAI chat-completion chunks. Tool blocks become indexed tool_call
// deltas, thinking blocks become reasoning_content deltas.
type AnthropicToOpenAIStream struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	toolIndex    int
	inToolBlock  bool
	inputTokens  int
	outputTokens int
	stopReason   string
	doneSent     bool
}

// NewAnthropicToOpenAIStream returns a transformer for one stream.
func NewAnthropicToOpenAIStream(model string, includeUsage bool) *AnthropicToOpenAIStream {
	return &AnthropicToOpenAIStream{
		id:           "chatcmpl-" + uuid.NewString(),
		model:        model,
		created:      time.Now().Unix(),
		toolIndex:    -1,
		includeUsage: includeUsage,
	}
}

func (t *AnthropicToOpenAIStream) Transform(event []byte) ([]byte, error) {
	data, eventType := eventData(event)
	if data == "" {
		return nil, nil
	}
	r := gjson.Parse(data)
	if eventType == "" {
		eventType = r.Get("type").String()
	}

	switch eventType {
	case "message_start":
		t.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return frameData(t.chunk(map[string]any{"role": "assistant"}, "", nil)), nil

	case "content_block_start":
		block := r.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			t.inToolBlock = false
			return nil, nil
		}
		t.inToolBlock = true
		t.toolIndex++
		delta := map[string]any{
			"tool_calls": []map[string]any{{
				"index": t.toolIndex,
				"id":    block.Get("id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": "",
				},
			}},
		}
		return frameData(t.chunk(delta, "", nil)), nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			delta := map[string]any{"content": r.Get("delta.text").String()}
			return frameData(t.chunk(delta, "", nil)), nil
		case "thinking_delta":
			delta := map[string]any{"reasoning_content": r.Get("delta.thinking").String()}
			return frameData(t.chunk(delta, "", nil)), nil
		case "input_json_delta":
			if !t.inToolBlock {
				return nil, nil
			}
			delta := map[string]any{
				"tool_calls": []map[string]any{{
					"index":    t.toolIndex,
					"function": map[string]any{"arguments": r.Get("delta.partial_json").String()},
				}},
			}
			return frameData(t.chunk(delta, "", nil)), nil
		}
		return nil, nil

	case "message_delta":
		if reason := r.Get("delta.stop_reason").String(); reason != "" {
			t.stopReason = mapAnthropicStopReason(reason)
		}
		if out := r.Get("usage.output_tokens"); out.Exists() {
			t.outputTokens = int(out.Int())
		}
		if in := r.Get("usage.input_tokens"); in.Exists() {
			t.inputTokens = int(in.Int())
		}
		return nil, nil

	case "message_stop":
		return t.finish(), nil
	}
	// ping, content_block_stop, error passthroughs carry nothing for OpenAI.
	return nil, nil
}

func (t *AnthropicToOpenAIStream) Flush() ([]byte, error) {
	return t.finish(), nil
}

// finish emits the finish chunk, the optional usage chunk, and exactly one
// DONE sentinel.
func (t *AnthropicToOpenAIStream) finish() []byte {
	if t.doneSent {
		return nil
	}
	t.doneSent = true

	reason := t.stopReason
	if reason == "" {
		reason = "stop"
	}
	out := frameData(t.chunk(map[string]any{}, reason, nil))
	if t.includeUsage {
		usage := map[string]any{
			"prompt_tokens":     t.inputTokens,
			"completion_tokens": t.outputTokens,
			"total_tokens":      t.inputTokens + t.outputTokens,
		}
		out = append(out, frameData(t.chunk(nil, "", usage))...)
	}
	return append(out, doneFrame...)
}

func (t *AnthropicToOpenAIStream) chunk(delta map[string]any, finishReason string, usage map[string]any) []byte {
	body := map[string]any{
		"id":      t.id,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []map[string]any{},
	}
	if delta != nil {
		body["choices"] = []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilIfEmpty(finishReason),
		}}
	}
	if usage != nil {
		body["usage"] = usage
	}
	b, _ := json.Marshal(body)
	return b
}

// mapAnthropicStopReason converts an Anthropic stop reason to the OpenAI
// vocabulary.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return "stop"
	}
}
