package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/modelspec"
)

// maxRequestBody caps inbound bodies. Multimodal requests carry inline
// base64 media, so this is deliberately generous.
const maxRequestBody = 32 << 20

// bodyPool reuses read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// readBody slurps the request body through the pool with a size cap.
// Writes a 400 and returns false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeError(w, http.StatusBadRequest, "failed to read request body", []string{err.Error()})
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

// isValidParam checks that s is non-empty and contains only [a-zA-Z0-9._-].
func isValidParam(s string) bool {
	return validParam(s, false)
}

// isValidModelSpec additionally admits the model spec punctuation: '$' for
// alias suffixes, ',' between fallback entries, and '/' after a provider
// prefix. modelspec.Parse decides whether the string means anything.
func isValidModelSpec(s string) bool {
	return validParam(s, true)
}

func validParam(s string, spec bool) bool {
	limit := 256
	if spec {
		limit = 512
	}
	if s == "" || len(s) > limit {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		case spec && (c == '$' || c == ',' || c == '/'):
		default:
			return false
		}
	}
	return true
}

// dispatch hands the protocol-tagged request to the router and relays the
// upstream response, streaming or not.
func (s *server) dispatch(w http.ResponseWriter, r *http.Request, req *gateway.Request, requested string) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	resp, err := s.deps.Router.Route(r.Context(), identity.User, req, requested)
	if err != nil {
		status := errorStatus(err)
		switch {
		case status >= http.StatusInternalServerError:
			slog.LogAttrs(r.Context(), slog.LevelError, "route failed",
				slog.String("model", requested),
				slog.String("error", err.Error()),
			)
			// The aggregate may name internal topology; mask the headline and
			// surface the per-attempt messages in details.
			writeError(w, status, "no keys available", attemptDetails(err))
		case status == http.StatusTooManyRequests:
			writeError(w, status, "all provider keys are rate limited", attemptDetails(err))
		default:
			writeError(w, status, err.Error(), nil)
		}
		return
	}
	s.relay(w, r, resp, requested)
}

// relay copies the upstream response to the client. SSE bodies are flushed
// after every read so chunks reach the client as they arrive.
func (s *server) relay(w http.ResponseWriter, r *http.Request, resp *gateway.Response, model string) {
	defer resp.Body.Close()

	h := w.Header()
	for k, vals := range resp.Header {
		h[k] = vals
	}
	streaming := resp.Header.Get("Content-Type") == "text/event-stream"
	if streaming {
		h["X-Accel-Buffering"] = []string{"no"}
	}
	w.WriteHeader(resp.StatusCode)

	if !streaming {
		if s.deps.Metrics != nil && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			s.relayCounted(w, r, resp, model)
			return
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "relay interrupted",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 16*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "stream relay interrupted",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// relayCounted buffers a JSON body so usage totals can be read out after the
// bytes are on the wire. Non-stream completion bodies are bounded; the pool
// keeps the extra copy off the allocator.
func (s *server) relayCounted(w http.ResponseWriter, r *http.Request, resp *gateway.Response, model string) {
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)

	_, err := buf.ReadFrom(resp.Body)
	if buf.Len() > 0 {
		if _, werr := w.Write(buf.Bytes()); werr == nil {
			s.recordTokenUsage(model, buf.Bytes())
		}
	}
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "relay interrupted",
			slog.String("error", err.Error()),
		)
	}
}

// recordTokenUsage extracts usage totals from a completed upstream body.
// The field names differ per protocol; the first populated counter wins.
func (s *server) recordTokenUsage(model string, body []byte) {
	in := firstInt(body, "usage.prompt_tokens", "usage.input_tokens", "usageMetadata.promptTokenCount")
	out := firstInt(body, "usage.completion_tokens", "usage.output_tokens", "usageMetadata.candidatesTokenCount")
	if in > 0 {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(in))
	}
	if out > 0 {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(out))
	}
}

func firstInt(body []byte, paths ...string) int64 {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// handleChatCompletions serves the OpenAI chat-completions surface.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required", nil)
		return
	}

	req := &gateway.Request{
		Protocol:     gateway.ProtocolOpenAI,
		Body:         body,
		Stream:       gjson.GetBytes(body, "stream").Bool(),
		IncludeUsage: gjson.GetBytes(body, "stream_options.include_usage").Bool(),
	}
	s.dispatch(w, r, req, model)
}

// handleGeminiGenerate serves the Gemini generateContent surface. The model
// and action travel in the URL, not the body. The model segment carries a
// full spec: alias suffixes, comma-joined fallbacks, and a provider prefix
// written either as a literal path segment or percent-encoded.
func (s *server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if unescaped, err := url.PathUnescape(model); err == nil {
		model = unescaped
	}
	if prefix := chi.URLParam(r, "provider"); prefix != "" {
		model = prefix + "/" + model
	}
	action := chi.URLParam(r, "action")
	if !isValidModelSpec(model) || !isValidParam(action) {
		writeError(w, http.StatusBadRequest, "invalid model or action", nil)
		return
	}
	if action != "generateContent" && action != "streamGenerateContent" && action != "countTokens" {
		writeError(w, http.StatusNotFound, "unknown action "+action, nil)
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req := &gateway.Request{
		Protocol: gateway.ProtocolGemini,
		Body:     body,
		Stream:   action == "streamGenerateContent",
		Action:   action,
	}
	s.dispatch(w, r, req, model)
}

// handleAnthropicMessages serves the Anthropic Messages surface.
func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required", nil)
		return
	}

	req := &gateway.Request{
		Protocol: gateway.ProtocolAnthropic,
		Body:     body,
		Stream:   gjson.GetBytes(body, "stream").Bool(),
	}
	s.dispatch(w, r, req, model)
}

// handleCountTokens serves Anthropic count_tokens locally from the
// heuristic estimator; no upstream call is made.
func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if s.deps.TokenCounter == nil {
		writeError(w, http.StatusNotImplemented, "token counting not configured", nil)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	n := s.deps.TokenCounter.EstimateAnthropicRequest(body)
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": n})
}

// handleListModels returns the models reachable through the caller's keys,
// in the OpenAI list shape. Aliases from model specs are listed alongside
// their base IDs.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	now := time.Now().Unix()
	seen := make(map[string]bool)
	data := []modelEntry{}
	add := func(id, owner string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, modelEntry{ID: id, Object: "model", Created: now, OwnedBy: owner})
	}

	for _, key := range identity.User.Keys {
		if key.Paused || key.PermanentlyFailed || key.Provider == nil {
			continue
		}
		for _, specStr := range modelspec.EffectiveModels(key.Provider.Models, key.AvailableModels) {
			spec := modelspec.Parse(specStr)
			add(spec.BaseID, key.ProviderName)
			add(spec.Alias, key.ProviderName)
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
