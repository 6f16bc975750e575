package adapter

import (
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestOpenAIToAnthropicResponse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-x",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "<thinking>pondering</thinking>the answer",
				"tool_calls": [{
					"id": "call_9", "type": "function",
					"function": {"name": "lookup", "arguments": "{\"q\":1}"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 11}
	}`)

	out, err := OpenAIToAnthropicResponse(body)
	if err != nil {
		t.Fatalf("OpenAIToAnthropicResponse: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("type").String(); got != "message" {
		t.Errorf("type = %q", got)
	}
	content := r.Get("content").Array()
	if len(content) != 3 {
		t.Fatalf("got %d content blocks: %s", len(content), r.Get("content").Raw)
	}
	if content[0].Get("type").String() != "thinking" || content[0].Get("thinking").String() != "pondering" {
		t.Errorf("thinking block = %s", content[0].Raw)
	}
	if content[1].Get("text").String() != "the answer" {
		t.Errorf("text block = %s", content[1].Raw)
	}
	tool := content[2]
	if tool.Get("type").String() != "tool_use" || tool.Get("id").String() != "call_9" {
		t.Errorf("tool_use block = %s", tool.Raw)
	}
	if got := tool.Get("input.q").Int(); got != 1 {
		t.Errorf("tool input = %s", tool.Get("input").Raw)
	}

	if got := r.Get("stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %q", got)
	}
	if in, out := r.Get("usage.input_tokens").Int(), r.Get("usage.output_tokens").Int(); in != 7 || out != 11 {
		t.Errorf("usage = %d/%d, want 7/11", in, out)
	}
}

func TestMapOpenAIStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"content_filter", "refusal"},
		{"weird", "end_turn"},
	}
	for _, tt := range tests {
		if got := mapOpenAIStopReason(tt.in); got != tt.want {
			t.Errorf("mapOpenAIStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// anthropicEvent is one typed SSE event collected from a transformed stream.
type anthropicEvent struct {
	event string
	data  gjson.Result
}

func collectAnthropicStream(t *testing.T, tr *OpenAIToAnthropicStream, input string) []anthropicEvent {
	t.Helper()
	r := NewEventReaderWithPrelude(io.NopCloser(strings.NewReader(input)), tr, tr.Prelude())
	out := readAll(t, r)

	var events []anthropicEvent
	for _, frame := range strings.Split(out, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		var ev anthropicEvent
		for _, line := range strings.Split(frame, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.event = v
			} else if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = gjson.Parse(v)
			}
		}
		events = append(events, ev)
	}
	return events
}

func chunkLine(body string) string {
	return "data: " + body + "\n\n"
}

func TestOpenAIToAnthropicStreamSequence(t *testing.T) {
	t.Parallel()

	input := chunkLine(`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`) +
		chunkLine(`{"id":"c1","choices":[{"index":0,"delta":{"content":"hel"}}]}`) +
		chunkLine(`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`) +
		chunkLine(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`) +
		"data: [DONE]\n\n"

	events := collectAnthropicStream(t, NewOpenAIToAnthropicStream("claude-x"), input)

	var seq []string
	for _, ev := range events {
		seq = append(seq, ev.event)
	}
	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	if strings.Join(seq, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", seq, want)
	}

	if model := events[0].data.Get("message.model").String(); model != "claude-x" {
		t.Errorf("message_start model = %q", model)
	}
	if text := events[3].data.Get("delta.text").String(); text != "hel" {
		t.Errorf("first delta = %q", text)
	}
	md := events[6].data
	if got := md.Get("delta.stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q", got)
	}
	if got := md.Get("usage.output_tokens").Int(); got != 2 {
		t.Errorf("output_tokens = %d", got)
	}
}

func TestOpenAIToAnthropicStreamBlockSwitching(t *testing.T) {
	t.Parallel()

	input := chunkLine(`{"choices":[{"delta":{"reasoning_content":"thinking hard"}}]}`) +
		chunkLine(`{"choices":[{"delta":{"content":"answer"}}]}`) +
		chunkLine(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":""}}]}}]}`) +
		chunkLine(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`) +
		chunkLine(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]},"finish_reason":null}]}`) +
		chunkLine(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`) +
		"data: [DONE]\n\n"

	events := collectAnthropicStream(t, NewOpenAIToAnthropicStream("m"), input)

	// One open block at a time: thinking closes before text opens, text
	// closes before tool_use opens.
	var starts, stops []int
	var kinds []string
	for _, ev := range events {
		switch ev.event {
		case "content_block_start":
			starts = append(starts, int(ev.data.Get("index").Int()))
			kinds = append(kinds, ev.data.Get("content_block.type").String())
		case "content_block_stop":
			stops = append(stops, int(ev.data.Get("index").Int()))
		}
	}
	if strings.Join(kinds, ",") != "thinking,text,tool_use" {
		t.Fatalf("block kinds = %v", kinds)
	}
	if len(starts) != 3 || len(stops) != 3 {
		t.Fatalf("starts=%v stops=%v, want 3 each", starts, stops)
	}
	for i := range starts {
		if starts[i] != i || stops[i] != i {
			t.Errorf("block %d indexed start=%d stop=%d", i, starts[i], stops[i])
		}
	}

	// Tool arguments accumulate as input_json_delta fragments.
	var jsonFragments []string
	for _, ev := range events {
		if ev.event == "content_block_delta" && ev.data.Get("delta.type").String() == "input_json_delta" {
			jsonFragments = append(jsonFragments, ev.data.Get("delta.partial_json").String())
		}
	}
	if strings.Join(jsonFragments, "") != `{"x":1}` {
		t.Errorf("accumulated tool input = %q", strings.Join(jsonFragments, ""))
	}

	if got := events[len(events)-2].data.Get("delta.stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
}

func TestOpenAIToAnthropicStreamTerminatesWithoutDone(t *testing.T) {
	t.Parallel()

	// Upstream dropped before sending [DONE]; flush must still close the
	// message, exactly once.
	input := chunkLine(`{"choices":[{"delta":{"content":"partial"}}]}`)

	events := collectAnthropicStream(t, NewOpenAIToAnthropicStream("m"), input)
	var stops int
	for _, ev := range events {
		if ev.event == "message_stop" {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("message_stop count = %d, want 1", stops)
	}
}

func TestStreamRoundTripPreservesTextAndFinish(t *testing.T) {
	t.Parallel()

	// OpenAI chunks down to Anthropic events and back up to OpenAI chunks.
	input := chunkLine(`{"choices":[{"delta":{"role":"assistant"}}]}`) +
		chunkLine(`{"choices":[{"delta":{"content":"the quick "}}]}`) +
		chunkLine(`{"choices":[{"delta":{"content":"brown fox"}}]}`) +
		chunkLine(`{"choices":[{"delta":{},"finish_reason":"length"}],"usage":{"prompt_tokens":5,"completion_tokens":9}}`) +
		"data: [DONE]\n\n"

	down := NewOpenAIToAnthropicStream("m")
	up := NewAnthropicToOpenAIStream("m", true)
	r := NewEventReader(io.NopCloser(strings.NewReader(input)), Chain(down, up))
	out := readAll(t, r)

	var text strings.Builder
	var finish string
	var done int
	for _, frame := range strings.Split(out, "\n\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(frame), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done++
			continue
		}
		c := gjson.Parse(data)
		text.WriteString(c.Get("choices.0.delta.content").String())
		if fr := c.Get("choices.0.finish_reason").String(); fr != "" {
			finish = fr
		}
	}

	if got := text.String(); got != "the quick brown fox" {
		t.Errorf("round-tripped text = %q", got)
	}
	if finish != "length" {
		t.Errorf("round-tripped finish reason = %q, want length", finish)
	}
	if done != 1 {
		t.Errorf("DONE count = %d, want 1", done)
	}
}
