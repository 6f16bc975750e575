package codeassist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/testutil"
)

func testKeyData(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(credentialData{
		AccessToken:  "ya29.valid",
		RefreshToken: "1//refresh",
		ExpiryDateMs: time.Now().Add(time.Hour).UnixMilli(),
		ProjectID:    "proj-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func testCred(t *testing.T) (gateway.Credential, *testutil.RecordingFeedback) {
	t.Helper()
	fb := &testutil.RecordingFeedback{}
	return gateway.Credential{
		Key: &gateway.Key{
			ID:           "k1",
			UserID:       "u1",
			ProviderName: providerName,
			KeyData:      testKeyData(t),
			Provider: &gateway.ProviderConfig{
				Name: providerName, ThrottleMode: gateway.ThrottleByKey,
				MinThrottleMin: 1, MaxThrottleMin: 15,
			},
		},
		Feedback: fb,
	}, fb
}

func TestParseCredential(t *testing.T) {
	t.Parallel()

	raw := testKeyData(t)
	wrapped := `{"key":"` + base64.StdEncoding.EncodeToString([]byte(raw)) + `"}`

	for _, keyData := range []string{raw, wrapped} {
		c, err := parseCredential(keyData)
		if err != nil {
			t.Fatalf("parseCredential: %v", err)
		}
		if c.ProjectID != "proj-1" || c.RefreshToken != "1//refresh" {
			t.Errorf("credential = %+v", c)
		}
	}

	if _, err := parseCredential("not-json"); err == nil {
		t.Error("expected error for raw-string keyData")
	}
}

func TestHandleGeminiUnwrapsEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ya29.valid" {
			t.Errorf("authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "project").String() != "proj-1" {
			t.Errorf("envelope project missing: %s", body)
		}
		if gjson.GetBytes(body, "model").String() != "gemini-2.5-pro" {
			t.Errorf("envelope model missing: %s", body)
		}
		if !gjson.GetBytes(body, "request.contents").Exists() {
			t.Errorf("envelope request missing: %s", body)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}`)
	}))
	defer srv.Close()

	h := New(srv.URL, srv.Client())
	cred, fb := testCred(t)
	req := &gateway.Request{
		Protocol: gateway.ProtocolGemini,
		Model:    "gemini-2.5-pro",
		Body:     json.RawMessage(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`),
	}

	resp, err := h.HandleGemini(context.Background(), req, cred)
	if err != nil {
		t.Fatalf("HandleGemini: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if got := gjson.GetBytes(body, "candidates.0.content.parts.0.text").String(); got != "hi" {
		t.Errorf("unwrapped body = %s", body)
	}
	last := fb.Last()
	if last.Method != "modelStatus" || !last.Success {
		t.Errorf("feedback = %+v, want success modelStatus", last)
	}
}

func TestHandleOpenAIConvertsBothWays(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// The inbound OpenAI messages must arrive as Gemini contents.
		if got := gjson.GetBytes(body, "request.contents.0.parts.0.text").String(); got != "hello" {
			t.Errorf("converted request = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}`)
	}))
	defer srv.Close()

	h := New(srv.URL, srv.Client())
	cred, _ := testCred(t)
	req := &gateway.Request{
		Protocol: gateway.ProtocolOpenAI,
		Model:    "gemini-2.5-pro",
		Body:     json.RawMessage(`{"model":"x","messages":[{"role":"user","content":"hello"}]}`),
	}

	resp, err := h.HandleOpenAI(context.Background(), req, cred)
	if err != nil {
		t.Fatalf("HandleOpenAI: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if got := gjson.GetBytes(body, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "world" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.GetBytes(body, "usage.total_tokens").Int(); got != 3 {
		t.Errorf("total_tokens = %d", got)
	}
}

func TestHandleOpenAIStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("stream URL = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}`+"\r\n\r\n")
	}))
	defer srv.Close()

	h := New(srv.URL, srv.Client())
	cred, _ := testCred(t)
	req := &gateway.Request{
		Protocol: gateway.ProtocolOpenAI,
		Model:    "gemini-2.5-flash",
		Stream:   true,
		Body:     json.RawMessage(`{"messages":[{"role":"user","content":"go"}],"stream":true}`),
	}

	resp, err := h.HandleOpenAI(context.Background(), req, cred)
	if err != nil {
		t.Fatalf("HandleOpenAI: %v", err)
	}
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	s := string(out)
	if !strings.Contains(s, `"content":"hi"`) {
		t.Errorf("stream output missing delta: %q", s)
	}
	if strings.Count(s, "data: [DONE]") != 1 {
		t.Errorf("stream output must end with exactly one DONE: %q", s)
	}
}

func TestHandle429ReportsThrottled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded"}}`)
	}))
	defer srv.Close()

	h := New(srv.URL, srv.Client())
	cred, fb := testCred(t)
	req := &gateway.Request{
		Protocol: gateway.ProtocolGemini,
		Model:    "gemini-2.5-pro",
		Body:     json.RawMessage(`{"contents":[]}`),
	}

	_, err := h.HandleGemini(context.Background(), req, cred)
	var terr *gateway.ThrottledError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want ThrottledError", err)
	}
	if !errors.Is(err, gateway.ErrThrottled) {
		t.Error("ThrottledError must unwrap to ErrThrottled")
	}
	if terr.ResetTime.IsZero() || time.Until(terr.ResetTime) > time.Minute {
		t.Errorf("resetTime = %v, want ~30s out", terr.ResetTime)
	}

	last := fb.Last()
	if !last.RateLimited || last.Success {
		t.Errorf("feedback = %+v, want rateLimited", last)
	}
	if last.ResetTime.IsZero() {
		t.Error("feedback resetTime not propagated")
	}
}

func TestIsInvalidGrant(t *testing.T) {
	t.Parallel()

	retrieve := &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: 400},
		Body:      []byte(`{"error":"invalid_grant"}`),
		ErrorCode: "invalid_grant",
	}
	if !isInvalidGrant(retrieve) {
		t.Error("typed invalid_grant not detected")
	}
	if !isInvalidGrant(fmt.Errorf("oauth2: %w", retrieve)) {
		t.Error("wrapped invalid_grant not detected")
	}
	if isInvalidGrant(errors.New("connection refused")) {
		t.Error("transient error misclassified as invalid_grant")
	}
}

func TestExpiredCredentialDetection(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		c    credentialData
		want bool
	}{
		{"fresh", credentialData{AccessToken: "t", ExpiryDateMs: now.Add(time.Hour).UnixMilli()}, false},
		{"no expiry", credentialData{AccessToken: "t"}, false},
		{"within skew", credentialData{AccessToken: "t", ExpiryDateMs: now.Add(30 * time.Second).UnixMilli()}, true},
		{"expired", credentialData{AccessToken: "t", ExpiryDateMs: now.Add(-time.Hour).UnixMilli()}, true},
		{"no token", credentialData{}, true},
	}
	for _, tt := range tests {
		if got := tt.c.expired(now); got != tt.want {
			t.Errorf("%s: expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}
