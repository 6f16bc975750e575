// Package sseutil provides shared SSE reading primitives for provider
// handlers and protocol adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// Done is the OpenAI stream terminator payload.
const Done = "[DONE]"

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each call to Scan() returns a single line without the
// trailing newline; a trailing '\r' is left in place and stripped by
// ParseLine.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its field name and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> field="event", value=type, ok=true
//	"data: <payload>" -> field="data", value=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseLine(line string) (field, value string, ok bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip the optional leading space after the colon per the SSE spec.
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event", "data":
		return field, value, true
	default:
		return "", "", false
	}
}
