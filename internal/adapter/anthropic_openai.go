package adapter

import (
	"encoding/json"
	"strings"
)

// anthropicRequest covers the Messages API fields the converter reads.
type anthropicRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system"`
	Messages      []anthropicMsg  `json:"messages"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	StopSequences []string        `json:"stop_sequences"`
	Stream        bool            `json:"stream"`
	Tools         json.RawMessage `json:"tools"`
	ToolChoice    json.RawMessage `json:"tool_choice"`
	Thinking      *struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
	} `json:"thinking"`
	Metadata *struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`

	// image / document
	Source struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	} `json:"source"`
	Title string `json:"title"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`

	// thinking
	Thinking string `json:"thinking"`
}

// reasoningEffortForBudget maps an Anthropic thinking budget to an OpenAI
// reasoning_effort level.
func reasoningEffortForBudget(budget int) string {
	switch {
	case budget <= 256:
		return "minimal"
	case budget <= 512:
		return "low"
	case budget <= 2048:
		return "medium"
	default:
		return "high"
	}
}

// AnthropicToOpenAIRequest converts an Anthropic Messages API request body to
// an OpenAI chat-completions body. The model field is carried as-is; callers
// overwrite it with the upstream model name.
func AnthropicToOpenAIRequest(body []byte) ([]byte, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, convErr("decode anthropic request: %v", err)
	}

	out := map[string]any{
		"model":  req.Model,
		"stream": req.Stream,
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		out["stop"] = req.StopSequences
	}
	if req.Stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		out["user"] = req.Metadata.UserID
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		out["reasoning_effort"] = reasoningEffortForBudget(req.Thinking.BudgetTokens)
	}

	var messages []map[string]any
	if sys := anthropicSystemText(req.System); sys != "" {
		messages = append(messages, map[string]any{"role": "system", "content": sys})
	}
	for _, m := range req.Messages {
		converted, err := convertAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}
	out["messages"] = messages

	if tools, err := convertAnthropicTools(req.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		out["tools"] = tools
	}
	applyAnthropicToolChoice(out, req.ToolChoice)

	return json.Marshal(out)
}

// anthropicSystemText flattens an Anthropic system field, which is either a
// plain string or an array of text blocks.
func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// convertAnthropicMessage converts one Anthropic message into one or more
// OpenAI messages. tool_result blocks split out into their own tool-role
// messages, in block order.
func convertAnthropicMessage(m anthropicMsg) ([]map[string]any, error) {
	// Plain string content needs no block handling.
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return []map[string]any{{"role": m.Role, "content": s}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, convErr("decode %s message content: %v", m.Role, err)
	}

	var out []map[string]any
	var parts []any     // multimodal content parts for the pending message
	var toolCalls []any // assistant tool_use accumulation
	flush := func() {
		if len(parts) == 0 && len(toolCalls) == 0 {
			return
		}
		msg := map[string]any{"role": m.Role, "content": collapseParts(parts)}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		out = append(out, msg)
		parts, toolCalls = nil, nil
	}

	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": blk.Text})

		case "thinking":
			// Downstream OpenAI endpoints have no inbound thinking channel;
			// carried as plain assistant text.
			parts = append(parts, map[string]any{"type": "text", "text": blk.Thinking})

		case "image":
			url := blk.Source.URL
			if blk.Source.Type == "base64" {
				url = "data:" + blk.Source.MediaType + ";base64," + blk.Source.Data
			}
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})

		case "document":
			file := map[string]any{}
			if blk.Source.Type == "base64" {
				file["file_data"] = "data:" + blk.Source.MediaType + ";base64," + blk.Source.Data
			} else if blk.Source.URL != "" {
				file["file_data"] = blk.Source.URL
			}
			if blk.Title != "" {
				file["filename"] = blk.Title
			}
			parts = append(parts, map[string]any{"type": "file", "file": file})

		case "tool_use":
			input := blk.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   blk.ID,
				"type": "function",
				"function": map[string]any{
					"name":      blk.Name,
					"arguments": string(input),
				},
			})

		case "tool_result":
			flush()
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": blk.ToolUseID,
				"content":      toolResultText(blk.Content),
			})

		default:
			return nil, convErr("unsupported %s content block type %q", m.Role, blk.Type)
		}
	}
	flush()
	return out, nil
}

// collapseParts reduces a parts slice to a plain string when it is text-only,
// which keeps the common case readable for upstreams.
func collapseParts(parts []any) any {
	var b strings.Builder
	for _, p := range parts {
		m, ok := p.(map[string]any)
		if !ok || m["type"] != "text" {
			return parts
		}
		b.WriteString(m["text"].(string))
	}
	return b.String()
}

// toolResultText flattens a tool_result content field (string or text-block
// array) into plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// convertAnthropicTools maps Anthropic tool definitions to OpenAI function
// tools. Built-in server tools (bash, text editor, web search) become
// explicitly described function tools so OpenAI-only upstreams can still
// call them.
func convertAnthropicTools(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var tools []struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, convErr("decode tools: %v", err)
	}

	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if builtin := builtinToolFunction(t.Type, t.Name); builtin != nil {
			out = append(out, map[string]any{"type": "function", "function": builtin})
			continue
		}
		fn := map[string]any{"name": t.Name}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		if len(t.InputSchema) > 0 {
			fn["parameters"] = t.InputSchema
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out, nil
}

// builtinToolFunction returns the function-tool rendering of an Anthropic
// built-in tool type, or nil when the tool is a regular custom tool.
func builtinToolFunction(toolType, name string) map[string]any {
	switch {
	case strings.HasPrefix(toolType, "bash_"):
		return map[string]any{
			"name":        name,
			"description": "Run a shell command and return its combined output.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "The command to run."},
					"restart": map[string]any{"type": "boolean", "description": "Restart the shell session."},
				},
				"required": []string{"command"},
			},
		}
	case strings.HasPrefix(toolType, "text_editor_"):
		return map[string]any{
			"name":        name,
			"description": "View, create, and edit files.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":     map[string]any{"type": "string", "enum": []string{"view", "create", "str_replace", "insert"}},
					"path":        map[string]any{"type": "string"},
					"file_text":   map[string]any{"type": "string"},
					"old_str":     map[string]any{"type": "string"},
					"new_str":     map[string]any{"type": "string"},
					"insert_line": map[string]any{"type": "integer"},
					"view_range":  map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				},
				"required": []string{"command", "path"},
			},
		}
	case strings.HasPrefix(toolType, "web_search_"):
		return map[string]any{
			"name":        name,
			"description": "Search the web and return result snippets.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "The search query."},
				},
				"required": []string{"query"},
			},
		}
	default:
		return nil
	}
}

// applyAnthropicToolChoice maps the Anthropic tool_choice object onto the
// OpenAI tool_choice and parallel_tool_calls fields.
func applyAnthropicToolChoice(out map[string]any, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var tc struct {
		Type                   string `json:"type"`
		Name                   string `json:"name"`
		DisableParallelToolUse bool   `json:"disable_parallel_tool_use"`
	}
	if json.Unmarshal(raw, &tc) != nil {
		return
	}
	switch tc.Type {
	case "auto":
		out["tool_choice"] = "auto"
	case "any":
		out["tool_choice"] = "required"
	case "none":
		out["tool_choice"] = "none"
	case "tool":
		out["tool_choice"] = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	}
	if tc.DisableParallelToolUse {
		out["parallel_tool_calls"] = false
	}
}
