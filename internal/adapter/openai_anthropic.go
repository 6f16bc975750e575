package adapter

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// mapOpenAIStopReason converts an OpenAI finish reason to the Anthropic
// vocabulary.
func mapOpenAIStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}

// splitThinking separates a leading <thinking>...</thinking> span from the
// assistant text. Gemini-originated responses carry reasoning this way.
func splitThinking(content string) (thinking, text string) {
	rest, found := strings.CutPrefix(content, "<thinking>")
	if !found {
		return "", content
	}
	thinking, text, found = strings.Cut(rest, "</thinking>")
	if !found {
		return "", content
	}
	return thinking, text
}

// OpenAIToAnthropicResponse converts a non-streaming OpenAI chat-completion
// body to an Anthropic Messages API body.
func OpenAIToAnthropicResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, convErr("openai response has no choices")
	}

	var content []map[string]any

	thinking := choice.Get("message.reasoning_content").String()
	text := choice.Get("message.content").String()
	if thinking == "" {
		thinking, text = splitThinking(text)
	}
	if thinking != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": thinking})
	}
	if text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}

	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		id := tc.Get("id").String()
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		args := tc.Get("function.arguments").String()
		var input json.RawMessage
		if json.Valid([]byte(args)) && strings.HasPrefix(strings.TrimSpace(args), "{") {
			input = json.RawMessage(args)
		} else {
			input = json.RawMessage("{}")
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})

	id := r.Get("id").String()
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         r.Get("model").String(),
		"content":       content,
		"stop_reason":   mapOpenAIStopReason(choice.Get("finish_reason").String()),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  int(r.Get("usage.prompt_tokens").Int()),
			"output_tokens": int(r.Get("usage.completion_tokens").Int()),
		},
	}
	return json.Marshal(out)
}
