package codebuddy

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// keywordReplacer substitutes agent identity phrases the upstream keyword
// filter rejects. Order matters: longer phrases first so the generic pair
// does not shadow them.
var keywordReplacer = strings.NewReplacer(
	"You are Claude Code, Anthropic's official CLI for Claude.",
	"You are CodeBuddy, an agentic coding assistant.",
	"Claude Code", "CodeBuddy",
	"Anthropic's official CLI", "the CodeBuddy CLI",
)

// rewriteSystemKeywords rewrites the system field of a raw Anthropic request
// body. Both the plain-string and text-block shapes are handled; bodies
// without a system field pass through untouched.
func rewriteSystemKeywords(body []byte) []byte {
	system := gjson.GetBytes(body, "system")
	if !system.Exists() {
		return body
	}

	if system.Type == gjson.String {
		replaced := keywordReplacer.Replace(system.String())
		if replaced == system.String() {
			return body
		}
		out, err := sjson.SetBytes(body, "system", replaced)
		if err != nil {
			return body
		}
		return out
	}

	if system.IsArray() {
		out := body
		system.ForEach(func(i, block gjson.Result) bool {
			text := block.Get("text").String()
			replaced := keywordReplacer.Replace(text)
			if replaced != text {
				path := "system." + strconv.FormatInt(i.Int(), 10) + ".text"
				if updated, err := sjson.SetBytes(out, path, replaced); err == nil {
					out = updated
				}
			}
			return true
		})
		return out
	}
	return body
}

// resetTimeLayouts are the timestamp shapes seen in CodeBuddy 429 bodies.
var resetTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
}

// parseResetTime extracts the "reset at <timestamp>" hint from a 429 body.
// Zero when the body carries none.
func parseResetTime(body string) time.Time {
	_, rest, found := strings.Cut(body, "reset at ")
	if !found {
		return time.Time{}
	}
	// The timestamp runs to the end of the phrase; trim trailing prose.
	rest = strings.TrimSpace(rest)
	for _, stop := range []string{"\"", "'", ".", ",", "\n"} {
		if i := strings.Index(rest, stop); i > 0 {
			rest = rest[:i]
		}
	}
	rest = strings.TrimSpace(rest)

	for _, layout := range resetTimeLayouts {
		if ts, err := time.ParseInLocation(layout, rest, time.Local); err == nil {
			return ts
		}
	}
	return time.Time{}
}
