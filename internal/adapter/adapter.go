// Package adapter converts requests, responses, and SSE streams between the
// OpenAI, Gemini, and Anthropic wire formats so that any inbound protocol can
// reach a handler whose upstream speaks a different one.
package adapter

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider/sseutil"
)

// StreamTransformer rewrites one SSE event at a time. Transform receives the
// raw event text (one or more lines, no trailing blank line) and returns
// zero or more fully framed output bytes. Flush is called once after upstream
// EOF to emit any trailing output.
type StreamTransformer interface {
	Transform(event []byte) ([]byte, error)
	Flush() ([]byte, error)
}

// convErr wraps a conversion failure so the router reports it as a 500 with
// detail rather than a transport fault.
func convErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", gateway.ErrAdapter, fmt.Sprintf(format, args...))
}

// frameData frames a JSON payload as a single SSE data event.
func frameData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// frameEvent frames an Anthropic-style typed SSE event.
func frameEvent(event string, payload []byte) []byte {
	out := make([]byte, 0, len(event)+len(payload)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// eventReader pipes an upstream SSE body through a StreamTransformer. It
// splits the upstream into events at blank lines (handling both \n\n and
// \r\n\r\n delimiters), keeps only the current partial event in memory, and
// serves transformed bytes to the caller. Closing it closes the upstream.
type eventReader struct {
	upstream io.ReadCloser
	tr       StreamTransformer
	scanner  *bufio.Scanner

	buf     bytes.Buffer // pending output
	event   bytes.Buffer // current partial event
	prelude []byte       // served before the first upstream read
	flushed bool
	err     error
}

// NewEventReader returns a ReadCloser that yields the transformed stream.
func NewEventReader(upstream io.ReadCloser, tr StreamTransformer) io.ReadCloser {
	return &eventReader{
		upstream: upstream,
		tr:       tr,
		scanner:  sseutil.NewScanner(upstream),
	}
}

// NewEventReaderWithPrelude is NewEventReader with a fixed byte prefix that
// is handed to the caller before the first upstream read. Handlers use it to
// get the opening event of a stream onto the wire without waiting on an
// unresponsive upstream.
func NewEventReaderWithPrelude(upstream io.ReadCloser, tr StreamTransformer, prelude []byte) io.ReadCloser {
	return &eventReader{
		upstream: upstream,
		tr:       tr,
		scanner:  sseutil.NewScanner(upstream),
		prelude:  prelude,
	}
}

func (r *eventReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if len(r.prelude) > 0 {
			r.buf.Write(r.prelude)
			r.prelude = nil
			break
		}
		if err := r.fill(); err != nil {
			r.err = err
			if r.buf.Len() == 0 {
				return 0, err
			}
			break
		}
	}
	return r.buf.Read(p)
}

// fill consumes upstream lines until one complete event has been transformed
// into the output buffer, or EOF triggers the final flush.
func (r *eventReader) fill() error {
	for r.scanner.Scan() {
		line := bytes.TrimSuffix(r.scanner.Bytes(), []byte("\r"))
		if len(line) == 0 {
			if r.event.Len() == 0 {
				continue
			}
			out, err := r.tr.Transform(r.event.Bytes())
			r.event.Reset()
			if err != nil {
				return err
			}
			r.buf.Write(out)
			if r.buf.Len() > 0 {
				return nil
			}
			continue
		}
		if r.event.Len() > 0 {
			r.event.WriteByte('\n')
		}
		r.event.Write(line)
	}
	if err := r.scanner.Err(); err != nil {
		return err
	}

	// Upstream EOF: drain the partial event, then flush the transformer.
	if r.event.Len() > 0 {
		out, err := r.tr.Transform(r.event.Bytes())
		r.event.Reset()
		if err != nil {
			return err
		}
		r.buf.Write(out)
	}
	if !r.flushed {
		r.flushed = true
		out, err := r.tr.Flush()
		if err != nil {
			return err
		}
		r.buf.Write(out)
	}
	return io.EOF
}

func (r *eventReader) Close() error {
	return r.upstream.Close()
}

// eventData extracts the concatenated data payload of an SSE event, joining
// multi-line data fields with newlines per the SSE spec. The second return
// holds the event's type field, if any.
func eventData(event []byte) (data, eventType string) {
	var b bytes.Buffer
	for line := range bytes.Lines(event) {
		field, value, ok := sseutil.ParseLine(string(bytes.TrimSuffix(line, []byte("\n"))))
		if !ok {
			continue
		}
		switch field {
		case "event":
			eventType = value
		case "data":
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(value)
		}
	}
	return b.String(), eventType
}
