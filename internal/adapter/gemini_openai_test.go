package adapter

import (
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestGeminiToOpenAIResponse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "let me think", "thought": true},
				{"text": "the answer is 4"},
				{"functionCall": {"name": "lookup", "args": {"q": "2+2"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {
			"promptTokenCount": 10,
			"candidatesTokenCount": 20,
			"thoughtsTokenCount": 5,
			"totalTokenCount": 35,
			"cachedContentTokenCount": 3
		}
	}`)

	out, err := GeminiToOpenAIResponse(body, "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("GeminiToOpenAIResponse: %v", err)
	}
	r := gjson.ParseBytes(out)

	content := r.Get("choices.0.message.content").String()
	if want := "<thinking>let me think</thinking>the answer is 4"; content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
	if name := r.Get("choices.0.message.tool_calls.0.function.name").String(); name != "lookup" {
		t.Errorf("tool call name = %q", name)
	}
	if args := r.Get("choices.0.message.tool_calls.0.function.arguments").String(); gjson.Get(args, "q").String() != "2+2" {
		t.Errorf("tool call arguments = %q", args)
	}
	// A candidate that called a tool finishes with tool_calls even when
	// Gemini reported STOP.
	if fr := r.Get("choices.0.finish_reason").String(); fr != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", fr)
	}

	usage := r.Get("usage")
	if got := usage.Get("completion_tokens").Int(); got != 25 {
		t.Errorf("completion_tokens = %d, want 25 (candidates + thoughts)", got)
	}
	if got := usage.Get("completion_tokens_details.reasoning_tokens").Int(); got != 5 {
		t.Errorf("reasoning_tokens = %d, want 5", got)
	}
	if got := usage.Get("prompt_tokens_details.cached_tokens").Int(); got != 3 {
		t.Errorf("cached_tokens = %d, want 3", got)
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"STOP", "stop"},
		{"MAX_TOKENS", "length"},
		{"SAFETY", "content_filter"},
		{"RECITATION", "content_filter"},
		{"PROHIBITED_CONTENT", "content_filter"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mapGeminiFinishReason(tt.in); got != tt.want {
			t.Errorf("mapGeminiFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGeminiToOpenAIResponseNoCandidates(t *testing.T) {
	t.Parallel()

	if _, err := GeminiToOpenAIResponse([]byte(`{"promptFeedback":{}}`), "m"); err == nil {
		t.Error("expected error for candidate-less response")
	}
}

func collectStream(t *testing.T, tr StreamTransformer, input string) []gjson.Result {
	t.Helper()
	r := NewEventReader(io.NopCloser(strings.NewReader(input)), tr)
	out := readAll(t, r)

	var chunks []gjson.Result
	for _, frame := range strings.Split(out, "\n\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(frame), "data: ")
		if !ok {
			continue
		}
		chunks = append(chunks, gjson.Parse(data))
	}
	return chunks
}

func TestGeminiToOpenAIStream(t *testing.T) {
	t.Parallel()

	input := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}\r\n\r\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}]," +
		"\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":2,\"totalTokenCount\":6}}\r\n\r\n"

	chunks := collectStream(t, NewGeminiToOpenAIStream("gemini-2.5-flash", true), input)
	if len(chunks) != 4 { // two deltas, usage, DONE
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}

	// Identical synthesized id across every chunk.
	id := chunks[0].Get("id").String()
	if id == "" || chunks[1].Get("id").String() != id {
		t.Errorf("chunk ids differ: %q vs %q", id, chunks[1].Get("id").String())
	}
	if text := chunks[0].Get("choices.0.delta.content").String(); text != "hel" {
		t.Errorf("first delta = %q", text)
	}
	if fr := chunks[1].Get("choices.0.finish_reason").String(); fr != "stop" {
		t.Errorf("finish_reason = %q", fr)
	}

	usageChunk := chunks[2]
	if n := usageChunk.Get("choices.#").Int(); n != 0 {
		t.Errorf("usage chunk has %d choices, want 0", n)
	}
	if got := usageChunk.Get("usage.total_tokens").Int(); got != 6 {
		t.Errorf("usage total_tokens = %d, want 6", got)
	}

	if raw := chunks[3].Raw; raw != "[DONE]" {
		t.Errorf("terminator = %q, want [DONE]", raw)
	}
}

func TestGeminiToOpenAIStreamOmitsUsageWhenNotRequested(t *testing.T) {
	t.Parallel()

	input := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]},\"finishReason\":\"STOP\"}]," +
		"\"usageMetadata\":{\"promptTokenCount\":1,\"candidatesTokenCount\":1,\"totalTokenCount\":2}}\n\n"

	chunks := collectStream(t, NewGeminiToOpenAIStream("m", false), input)
	if len(chunks) != 2 { // delta, DONE
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].Raw != "[DONE]" {
		t.Errorf("terminator = %q", chunks[1].Raw)
	}
}

func TestGeminiToOpenAIStreamSingleDone(t *testing.T) {
	t.Parallel()

	// An upstream that relays a [DONE] sentinel must not cause a second one.
	input := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]}}]}\n\n" +
		"data: [DONE]\n\n"

	chunks := collectStream(t, NewGeminiToOpenAIStream("m", false), input)
	var done int
	for _, c := range chunks {
		if c.Raw == "[DONE]" {
			done++
		}
	}
	if done != 1 {
		t.Errorf("saw %d DONE terminators, want exactly 1", done)
	}
}
