// Package codeassist implements the provider.Handler for the Gemini Code
// Assist API, which fronts Gemini models behind an OAuth installed-app
// credential and wraps every payload in a {response: ...} envelope.
package codeassist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/adapter"
	"github.com/eugener/mithril/internal/provider"
)

const (
	providerName   = "codeassist"
	defaultBaseURL = "https://cloudcode-pa.googleapis.com"
)

var _ provider.Handler = (*Handler)(nil)

// Handler forwards requests to the Code Assist internal API.
type Handler struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// New creates a Code Assist handler. An empty baseURL selects the production
// endpoint.
func New(baseURL string, client *http.Client) *Handler {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		now:     time.Now,
	}
}

func (h *Handler) Name() string { return providerName }

// SupportedProtocols: Gemini natively, OpenAI and Anthropic through adapters.
func (h *Handler) SupportedProtocols() []gateway.Protocol {
	return []gateway.Protocol{gateway.ProtocolOpenAI, gateway.ProtocolGemini, gateway.ProtocolAnthropic}
}

// CanAccessModelWithKey reports key-level model eligibility. Code Assist
// plans expose every configured Gemini model, so only the router's
// availableModels filtering applies.
func (h *Handler) CanAccessModelWithKey(*gateway.Key, string) bool { return true }

// envelope is the Code Assist request wrapper.
type envelope struct {
	Model   string          `json:"model"`
	Project string          `json:"project"`
	Request json.RawMessage `json:"request"`
}

// do wraps a Gemini-format body in the Code Assist envelope and posts it,
// retrying once with a forced token refresh when the upstream rejects the
// bearer. A second 401 marks the key permanently failed.
func (h *Handler) do(ctx context.Context, req *gateway.Request, cred gateway.Credential, geminiBody []byte) (*gateway.Response, error) {
	c, err := parseCredential(cred.Key.KeyData)
	if err != nil {
		return nil, err
	}

	method := "generateContent"
	if req.Stream {
		method = "streamGenerateContent"
	}
	if req.Action != "" {
		method = req.Action
	}
	url := h.baseURL + "/v1internal:" + method
	if req.Stream {
		url += "?alt=sse"
	}

	body, err := json.Marshal(envelope{Model: req.Model, Project: c.ProjectID, Request: geminiBody})
	if err != nil {
		return nil, fmt.Errorf("codeassist: marshal envelope: %w", err)
	}

	for attempt := range 2 {
		token, err := h.accessToken(ctx, cred, attempt > 0)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("codeassist: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+token)

		resp, err := h.http.Do(httpReq)
		if err != nil {
			err = fmt.Errorf("codeassist: do request: %w", err)
			cred.Feedback.RecordModelStatus(cred.Key, req.Model, false, false, err, time.Time{})
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			apiErr := provider.ParseAPIError(providerName, resp)
			resp.Body.Close()
			if attempt == 0 {
				continue
			}
			// The refreshed token was still rejected.
			cred.Feedback.RecordKeyPermanentlyFailed(cred.Key)
			return nil, fmt.Errorf("%v: %w", apiErr, gateway.ErrPermanentFailure)
		}

		return provider.FinishAttempt(providerName, cred, req.Model, resp, nil)
	}
	panic("unreachable")
}

// HandleGemini forwards a native Gemini request, unwrapping the Code Assist
// envelope on the way back.
func (h *Handler) HandleGemini(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	resp, err := h.do(ctx, req, cred, req.Body)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return provider.StreamResponse(resp.StatusCode,
			adapter.NewEventReader(resp.Body, adapter.CodeAssistUnwrap{})), nil
	}
	body, err := provider.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("codeassist: read response: %w", err)
	}
	return provider.JSONResponse(resp.StatusCode, adapter.UnwrapCodeAssist(body)), nil
}

// HandleOpenAI translates the request down to Gemini and the response back up
// to OpenAI chat-completion format.
func (h *Handler) HandleOpenAI(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	geminiBody, err := adapter.OpenAIToGeminiRequest(req.Body)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, req, cred, geminiBody)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		tr := adapter.Chain(
			adapter.CodeAssistUnwrap{},
			adapter.NewGeminiToOpenAIStream(req.Model, req.IncludeUsage),
		)
		return provider.StreamResponse(resp.StatusCode, adapter.NewEventReader(resp.Body, tr)), nil
	}
	body, err := provider.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("codeassist: read response: %w", err)
	}
	converted, err := adapter.GeminiToOpenAIResponse(adapter.UnwrapCodeAssist(body), req.Model)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(resp.StatusCode, converted), nil
}

// HandleAnthropic chains the Anthropic request through OpenAI shape down to
// Gemini, and the response back up through the full transformer chain.
func (h *Handler) HandleAnthropic(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	openaiBody, err := adapter.AnthropicToOpenAIRequest(req.Body)
	if err != nil {
		return nil, err
	}
	geminiBody, err := adapter.OpenAIToGeminiRequest(openaiBody)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, req, cred, geminiBody)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		down := adapter.NewOpenAIToAnthropicStream(req.Model)
		tr := adapter.Chain(
			adapter.CodeAssistUnwrap{},
			adapter.NewGeminiToOpenAIStream(req.Model, true),
			down,
		)
		return provider.StreamResponse(resp.StatusCode,
			adapter.NewEventReaderWithPrelude(resp.Body, tr, down.Prelude())), nil
	}
	body, err := provider.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("codeassist: read response: %w", err)
	}
	openaiResp, err := adapter.GeminiToOpenAIResponse(adapter.UnwrapCodeAssist(body), req.Model)
	if err != nil {
		return nil, err
	}
	converted, err := adapter.OpenAIToAnthropicResponse(openaiResp)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(resp.StatusCode, converted), nil
}
