// Package aistudio implements the provider.Handler for the Google AI Studio
// (Generative Language) API, keyed by a raw API key.
package aistudio

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/adapter"
	"github.com/eugener/mithril/internal/provider"
)

const (
	providerName   = "aistudio"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
)

var _ provider.Handler = (*Handler)(nil)

// Handler forwards requests to the AI Studio API.
type Handler struct {
	baseURL string
	http    *http.Client
}

// New creates an AI Studio handler. An empty baseURL selects the production
// endpoint.
func New(baseURL string, client *http.Client) *Handler {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (h *Handler) Name() string { return providerName }

// SupportedProtocols: Gemini natively, OpenAI through adapters.
func (h *Handler) SupportedProtocols() []gateway.Protocol {
	return []gateway.Protocol{gateway.ProtocolOpenAI, gateway.ProtocolGemini}
}

func (h *Handler) CanAccessModelWithKey(*gateway.Key, string) bool { return true }

// do posts a Gemini-format body to the models endpoint with the key in the
// x-goog-api-key header.
func (h *Handler) do(ctx context.Context, req *gateway.Request, cred gateway.Credential, geminiBody []byte) (*gateway.Response, error) {
	apiKey, _ := provider.DecodeKeyData(cred.Key.KeyData)
	if apiKey == "" {
		return nil, fmt.Errorf("aistudio: keyData carries no API key")
	}

	method := "generateContent"
	if req.Stream {
		method = "streamGenerateContent"
	}
	if req.Action != "" {
		method = req.Action
	}
	url := h.baseURL + "/v1beta/models/" + req.Model + ":" + method
	if req.Stream {
		url += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(geminiBody))
	if err != nil {
		return nil, fmt.Errorf("aistudio: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("aistudio: do request: %w", err)
		cred.Feedback.RecordModelStatus(cred.Key, req.Model, false, false, err, time.Time{})
		return nil, err
	}
	return provider.FinishAttempt(providerName, cred, req.Model, resp, nil)
}

// HandleGemini forwards a native Gemini request.
func (h *Handler) HandleGemini(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	return h.do(ctx, req, cred, req.Body)
}

// HandleOpenAI translates down to Gemini and back up.
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
		tr := adapter.NewGeminiToOpenAIStream(req.Model, req.IncludeUsage)
		return provider.StreamResponse(resp.StatusCode, adapter.NewEventReader(resp.Body, tr)), nil
	}
	body, err := provider.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("aistudio: read response: %w", err)
	}
	converted, err := adapter.GeminiToOpenAIResponse(body, req.Model)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(resp.StatusCode, converted), nil
}

// HandleAnthropic is never reached: the protocol is not in SupportedProtocols.
func (h *Handler) HandleAnthropic(context.Context, *gateway.Request, gateway.Credential) (*gateway.Response, error) {
	return nil, fmt.Errorf("aistudio: anthropic protocol not supported")
}
