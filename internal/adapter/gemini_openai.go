package adapter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// mapGeminiFinishReason converts a Gemini candidate finish reason to the
// OpenAI vocabulary. Everything that is not a clean stop or length cutoff
// (SAFETY, RECITATION, PROHIBITED_CONTENT, ...) reports as content_filter.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return "content_filter"
	}
}

// candidateDelta is the per-candidate content extracted from one Gemini
// response or stream chunk.
type candidateDelta struct {
	text         string
	toolCalls    []map[string]any
	finishReason string
}

// extractCandidate flattens the parts of one Gemini candidate. Thought parts
// are wrapped in <thinking> tags, functionCall parts become OpenAI tool
// calls with stringified arguments. toolIndex numbers the calls across the
// whole message.
func extractCandidate(cand gjson.Result, toolIndex *int) candidateDelta {
	var d candidateDelta
	var text strings.Builder

	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			if part.Get("thought").Bool() {
				text.WriteString("<thinking>")
				text.WriteString(t.String())
				text.WriteString("</thinking>")
			} else {
				text.WriteString(t.String())
			}
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			d.toolCalls = append(d.toolCalls, map[string]any{
				"index": *toolIndex,
				"id":    "call_" + uuid.NewString(),
				"type":  "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": args,
				},
			})
			*toolIndex++
		}
		return true
	})

	d.text = text.String()
	d.finishReason = mapGeminiFinishReason(cand.Get("finishReason").String())
	if len(d.toolCalls) > 0 && (d.finishReason == "" || d.finishReason == "stop") {
		d.finishReason = "tool_calls"
	}
	return d
}

// extractGeminiUsage maps Gemini usageMetadata to the OpenAI usage object,
// including reasoning, cache, and audio token detail buckets.
func extractGeminiUsage(meta gjson.Result) map[string]any {
	if !meta.Exists() {
		return nil
	}
	prompt := int(meta.Get("promptTokenCount").Int())
	completion := int(meta.Get("candidatesTokenCount").Int())
	thoughts := int(meta.Get("thoughtsTokenCount").Int())

	usage := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion + thoughts,
		"total_tokens":      int(meta.Get("totalTokenCount").Int()),
	}

	completionDetails := map[string]any{"reasoning_tokens": thoughts}
	promptDetails := map[string]any{
		"cached_tokens": int(meta.Get("cachedContentTokenCount").Int()),
	}
	meta.Get("promptTokensDetails").ForEach(func(_, mod gjson.Result) bool {
		if mod.Get("modality").String() == "AUDIO" {
			promptDetails["audio_tokens"] = int(mod.Get("tokenCount").Int())
		}
		return true
	})
	meta.Get("candidatesTokensDetails").ForEach(func(_, mod gjson.Result) bool {
		if mod.Get("modality").String() == "AUDIO" {
			completionDetails["audio_tokens"] = int(mod.Get("tokenCount").Int())
		}
		return true
	})
	usage["completion_tokens_details"] = completionDetails
	usage["prompt_tokens_details"] = promptDetails
	return usage
}

// GeminiToOpenAIResponse converts a non-streaming Gemini generateContent
// response body to an OpenAI chat-completion body.
func GeminiToOpenAIResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("candidates").Exists() {
		return nil, convErr("gemini response has no candidates")
	}

	var choices []map[string]any
	r.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		toolIndex := 0
		d := extractCandidate(cand, &toolIndex)

		msg := map[string]any{"role": "assistant", "content": nilIfEmpty(d.text)}
		if len(d.toolCalls) > 0 {
			msg["tool_calls"] = d.toolCalls
		}
		index := int(cand.Get("index").Int())
		if index == 0 {
			index = len(choices)
		}
		choices = append(choices, map[string]any{
			"index":         index,
			"message":       msg,
			"finish_reason": d.finishReason,
		})
		return true
	})

	out := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": choices,
	}
	if usage := extractGeminiUsage(r.Get("usageMetadata")); usage != nil {
		out["usage"] = usage
	}
	return json.Marshal(out)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
