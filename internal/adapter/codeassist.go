package adapter

import (
	"github.com/tidwall/gjson"

	"github.com/eugener/mithril/internal/provider/sseutil"
)

// UnwrapCodeAssist strips the {"response": ...} envelope the Code Assist
// API puts around every JSON body. Bodies without the envelope pass through
// unchanged.
func UnwrapCodeAssist(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return body
}

// CodeAssistUnwrap is a stream stage that rewrites each data line of a Code
// Assist SSE stream to carry the inner response payload. It sits in front of
// a Gemini-format consumer. Non-data lines and the DONE sentinel pass
// through unchanged.
type CodeAssistUnwrap struct{}

func (CodeAssistUnwrap) Transform(event []byte) ([]byte, error) {
	data, eventType := eventData(event)
	if data == "" || data == sseutil.Done {
		// Re-frame whatever was there so downstream stages still see it.
		if data == sseutil.Done {
			return frameData([]byte(sseutil.Done)), nil
		}
		return nil, nil
	}
	payload := UnwrapCodeAssist([]byte(data))
	if eventType != "" {
		return frameEvent(eventType, payload), nil
	}
	return frameData(payload), nil
}

func (CodeAssistUnwrap) Flush() ([]byte, error) { return nil, nil }
