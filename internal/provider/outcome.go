package provider

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// FinishAttempt classifies an upstream response, reports the outcome on the
// credential, and hands back the response or the attempt error. The caller
// keeps ownership of resp.Body only on the success path; error paths read and
// close it.
//
// parseReset, when non-nil, extracts a provider-specific reset time from a
// 429 body. The Retry-After header is used as a fallback.
func FinishAttempt(name string, cred gateway.Credential, baseID string, resp *http.Response, parseReset func(body string) time.Time) (*gateway.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cred.Feedback.RecordModelStatus(cred.Key, baseID, true, false, nil, time.Time{})
		return &gateway.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}, nil
	}

	apiErr := ParseAPIError(name, resp)
	resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var reset time.Time
		if parseReset != nil {
			reset = parseReset(apiErr.Body)
		}
		if reset.IsZero() {
			reset = retryAfterTime(resp.Header)
		}
		cred.Feedback.RecordModelStatus(cred.Key, baseID, false, true, apiErr, reset)
		return nil, &gateway.ThrottledError{Provider: name, ResetTime: reset, Message: apiErr.Body}
	}

	cred.Feedback.RecordModelStatus(cred.Key, baseID, false, false, apiErr, time.Time{})
	return nil, apiErr
}

// retryAfterTime converts a Retry-After header (seconds or HTTP date) to an
// absolute time. Zero when absent or unparsable.
func retryAfterTime(h http.Header) time.Time {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	return time.Time{}
}

// JSONResponse wraps a converted body as a gateway response.
func JSONResponse(status int, body []byte) *gateway.Response {
	h := make(http.Header, 1)
	h.Set("Content-Type", "application/json")
	return &gateway.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// StreamResponse wraps a transformed SSE body as a gateway response. The
// upstream content type no longer applies once the stream has been rewritten.
func StreamResponse(status int, body io.ReadCloser) *gateway.Response {
	h := make(http.Header, 2)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	return &gateway.Response{StatusCode: status, Header: h, Body: body}
}

// ReadBody drains and closes a successful upstream body so the handler can
// run a non-streaming conversion on it.
func ReadBody(resp *gateway.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
