// Package tokencount provides token estimation for the count_tokens surface.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for budgeting. Can be replaced with a real tokenizer if needed.
package tokencount

import (
	"github.com/tidwall/gjson"
)

// Counter estimates token counts for Anthropic-shape request bodies.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateAnthropicRequest estimates the input token count for an Anthropic
// Messages request: system prompt, message content blocks, and tool
// definitions all contribute.
func (c *Counter) EstimateAnthropicRequest(body []byte) int {
	total := 0

	system := gjson.GetBytes(body, "system")
	if system.Type == gjson.String {
		total += estimateTokens(system.String())
	} else if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			total += estimateTokens(block.Get("text").String())
			return true
		})
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(msg.Get("role").String())
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += estimateTokens(content.String())
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text", "thinking":
				total += estimateTokens(block.Get("text").String())
			case "tool_use":
				total += estimateTokens(block.Get("name").String())
				total += estimateTokens(block.Get("input").Raw)
			case "tool_result":
				total += estimateTokens(block.Get("content").Raw)
			case "image", "document":
				// Rough flat cost; media tokenization is provider-specific.
				total += 1024
			}
			return true
		})
		return true
	})

	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		total += estimateTokens(tool.Get("name").String())
		total += estimateTokens(tool.Get("description").String())
		total += estimateTokens(tool.Get("input_schema").Raw)
		return true
	})

	total += 3 // assistant reply priming
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
// A reasonable approximation for English text across model families.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message framing cost.
const messageOverhead = 4
