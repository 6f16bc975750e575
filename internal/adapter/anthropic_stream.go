package adapter

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/eugener/mithril/internal/provider/sseutil"
)

// OpenAIToAnthropicStream rewrites an OpenAI chat-completion chunk stream
// into the Anthropic Messages event sequence:
//
//	message_start
//	(content_block_start content_block_delta* content_block_stop)*
//	message_delta
//	message_stop
//
// Exactly one content block is open at a time; when the delta kind changes
// (text, thinking, tool_use) the current block closes before the next one
// opens. Tool-call argument fragments accumulate as input_json_delta.
type OpenAIToAnthropicStream struct {
	id    string
	model string

	blockType  string // "", "text", "thinking", "tool_use"
	blockIndex int

	inputTokens  int
	outputTokens int
	stopReason   string
	stopped      bool
}

// NewOpenAIToAnthropicStream returns a transformer for one stream. The
// message id is synthesized up front so the opening event can precede the
// first upstream chunk.
func NewOpenAIToAnthropicStream(model string) *OpenAIToAnthropicStream {
	return &OpenAIToAnthropicStream{
		id:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:      model,
		blockIndex: -1,
	}
}

// Prelude returns the framed message_start and a ping. Handlers hand it to
// the event reader so the client sees the stream open immediately instead of
// waiting on upstream headers.
func (t *OpenAIToAnthropicStream) Prelude() []byte {
	start, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.id,
			"type":          "message",
			"role":          "assistant",
			"model":         t.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	out := frameEvent("message_start", start)
	ping, _ := json.Marshal(map[string]any{"type": "ping"})
	return append(out, frameEvent("ping", ping)...)
}

func (t *OpenAIToAnthropicStream) Transform(event []byte) ([]byte, error) {
	data, _ := eventData(event)
	if data == "" {
		return nil, nil
	}
	if data == sseutil.Done {
		return t.finish(), nil
	}

	r := gjson.Parse(data)
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		t.inputTokens = int(u.Get("prompt_tokens").Int())
		t.outputTokens = int(u.Get("completion_tokens").Int())
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}
	if fr := choice.Get("finish_reason").String(); fr != "" {
		t.stopReason = mapOpenAIStopReason(fr)
	}

	var out []byte
	delta := choice.Get("delta")

	if reasoning := delta.Get("reasoning_content").String(); reasoning != "" {
		out = append(out, t.appendThinking(reasoning)...)
	}
	if content := delta.Get("content").String(); content != "" {
		// Reasoning relayed through an OpenAI-only upstream arrives as
		// tag-wrapped text chunks.
		if thinking, text := splitThinking(content); thinking != "" {
			out = append(out, t.appendThinking(thinking)...)
			content = text
		}
		if content != "" {
			out = append(out, t.ensureBlock("text", map[string]any{"type": "text", "text": ""})...)
			out = append(out, t.blockDelta(map[string]any{"type": "text_delta", "text": content})...)
		}
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			id := tc.Get("id").String()
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			out = append(out, t.openBlock("tool_use", map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{},
			})...)
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, t.ensureBlock("tool_use", map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString(),
				"name":  "",
				"input": map[string]any{},
			})...)
			out = append(out, t.blockDelta(map[string]any{"type": "input_json_delta", "partial_json": args})...)
		}
		return true
	})

	return out, nil
}

// Flush terminates the message even when the upstream never sent a DONE
// sentinel.
func (t *OpenAIToAnthropicStream) Flush() ([]byte, error) {
	return t.finish(), nil
}

func (t *OpenAIToAnthropicStream) appendThinking(thinking string) []byte {
	out := t.ensureBlock("thinking", map[string]any{"type": "thinking", "thinking": ""})
	return append(out, t.blockDelta(map[string]any{"type": "thinking_delta", "thinking": thinking})...)
}

// ensureBlock opens a block of the given kind unless one is already open.
func (t *OpenAIToAnthropicStream) ensureBlock(kind string, content map[string]any) []byte {
	if t.blockType == kind {
		return nil
	}
	return t.openBlock(kind, content)
}

// openBlock closes the current block, if any, and starts a new one.
func (t *OpenAIToAnthropicStream) openBlock(kind string, content map[string]any) []byte {
	out := t.closeBlock()
	t.blockType = kind
	t.blockIndex++
	start, _ := json.Marshal(map[string]any{
		"type":          "content_block_start",
		"index":         t.blockIndex,
		"content_block": content,
	})
	return append(out, frameEvent("content_block_start", start)...)
}

func (t *OpenAIToAnthropicStream) closeBlock() []byte {
	if t.blockType == "" {
		return nil
	}
	stop, _ := json.Marshal(map[string]any{
		"type":  "content_block_stop",
		"index": t.blockIndex,
	})
	t.blockType = ""
	return frameEvent("content_block_stop", stop)
}

func (t *OpenAIToAnthropicStream) blockDelta(delta map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": t.blockIndex,
		"delta": delta,
	})
	return frameEvent("content_block_delta", b)
}

// finish closes the open block and emits message_delta plus message_stop,
// exactly once per stream.
func (t *OpenAIToAnthropicStream) finish() []byte {
	if t.stopped {
		return nil
	}
	t.stopped = true

	out := t.closeBlock()
	stopReason := t.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	md, _ := json.Marshal(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":  t.inputTokens,
			"output_tokens": t.outputTokens,
		},
	})
	out = append(out, frameEvent("message_delta", md)...)
	ms, _ := json.Marshal(map[string]any{"type": "message_stop"})
	return append(out, frameEvent("message_stop", ms)...)
}
