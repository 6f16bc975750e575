package adapter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/eugener/mithril/internal/provider/sseutil"
)

var doneFrame = []byte("data: [DONE]\n\n")

// GeminiToOpenAIStream rewrites a Gemini streamGenerateContent SSE stream
// into OpenAI chat-completion chunks. Every chunk in one stream carries the
// same synthesized id. Usage is cumulative upstream; the last seen values
// are emitted in a final empty-choices chunk when the caller asked for
// stream_options.include_usage.
type GeminiToOpenAIStream struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	toolIndex int
	usage     map[string]any
	doneSent  bool
}

// NewGeminiToOpenAIStream returns a transformer for one stream.
func NewGeminiToOpenAIStream(model string, includeUsage bool) *GeminiToOpenAIStream {
	return &GeminiToOpenAIStream{
		id:           "chatcmpl-" + uuid.NewString(),
		model:        model,
		created:      time.Now().Unix(),
		includeUsage: includeUsage,
	}
}

func (t *GeminiToOpenAIStream) Transform(event []byte) ([]byte, error) {
	data, _ := eventData(event)
	if data == "" {
		return nil, nil
	}
	if data == sseutil.Done {
		// Gemini streams are EOF-terminated, but a sentinel may appear when
		// the upstream already speaks through a proxy. Defer to Flush.
		return nil, nil
	}

	r := gjson.Parse(data)
	if u := extractGeminiUsage(r.Get("usageMetadata")); u != nil {
		t.usage = u
	}

	var out []byte
	r.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		d := extractCandidate(cand, &t.toolIndex)

		delta := map[string]any{}
		if d.text != "" {
			delta["content"] = d.text
		}
		if len(d.toolCalls) > 0 {
			delta["tool_calls"] = d.toolCalls
		}
		if len(delta) == 0 && d.finishReason == "" {
			return true
		}
		out = append(out, frameData(t.chunk(delta, d.finishReason, nil))...)
		return true
	})
	return out, nil
}

// Flush emits the trailing usage chunk, if requested, and exactly one DONE
// sentinel per stream.
func (t *GeminiToOpenAIStream) Flush() ([]byte, error) {
	if t.doneSent {
		return nil, nil
	}
	t.doneSent = true

	var out []byte
	if t.includeUsage && t.usage != nil {
		out = append(out, frameData(t.chunk(nil, "", t.usage))...)
	}
	return append(out, doneFrame...), nil
}

// chunk builds one OpenAI chat.completion.chunk body. A nil delta produces
// the empty-choices usage frame.
func (t *GeminiToOpenAIStream) chunk(delta map[string]any, finishReason string, usage map[string]any) []byte {
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
