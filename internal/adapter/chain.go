package adapter

import "bytes"

// chain feeds the framed output of each stage into the next. Stages emit
// complete SSE events, so re-splitting at blank lines is lossless.
type chain struct {
	stages []StreamTransformer
}

// Chain composes stream transformers left to right. Code Assist streams
// serving Anthropic callers run Unwrap, Gemini-to-OpenAI, then
// OpenAI-to-Anthropic this way.
func Chain(stages ...StreamTransformer) StreamTransformer {
	if len(stages) == 1 {
		return stages[0]
	}
	return &chain{stages: stages}
}

func (c *chain) Transform(event []byte) ([]byte, error) {
	events := [][]byte{event}
	for i, stage := range c.stages {
		var out []byte
		for _, ev := range events {
			b, err := stage.Transform(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		if i == len(c.stages)-1 {
			return out, nil
		}
		events = splitFrames(out)
	}
	return nil, nil
}

func (c *chain) Flush() ([]byte, error) {
	// A stage's flush output still has to traverse the stages after it.
	var out []byte
	for i, stage := range c.stages {
		flushed, err := stage.Flush()
		if err != nil {
			return nil, err
		}
		events := splitFrames(flushed)
		for _, later := range c.stages[i+1:] {
			var next []byte
			for _, ev := range events {
				b, err := later.Transform(ev)
				if err != nil {
					return nil, err
				}
				next = append(next, b...)
			}
			events = splitFrames(next)
		}
		for _, ev := range events {
			out = append(out, ev...)
			out = append(out, "\n\n"...)
		}
	}
	return out, nil
}

// splitFrames cuts framed SSE output back into individual events, dropping
// the blank-line delimiters.
func splitFrames(b []byte) [][]byte {
	var events [][]byte
	for _, chunk := range bytes.Split(b, []byte("\n\n")) {
		chunk = bytes.TrimSpace(chunk)
		if len(chunk) > 0 {
			events = append(events, chunk)
		}
	}
	return events
}
