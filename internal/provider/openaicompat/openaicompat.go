// Package openaicompat implements the provider.Handler for any
// OpenAI-compatible upstream: a raw bearer key plus an optional per-key
// base URL override.
package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/adapter"
	"github.com/eugener/mithril/internal/provider"
)

const (
	providerName   = "openaicompat"
	defaultBaseURL = "https://api.openai.com/v1"
)

var _ provider.Handler = (*Handler)(nil)

// Handler forwards requests to an OpenAI-compatible endpoint.
type Handler struct {
	baseURL string
	http    *http.Client
}

// New creates the handler. baseURL is the fleet-wide default; keys may
// override it individually.
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

// SupportedProtocols: OpenAI natively, Anthropic through adapters.
func (h *Handler) SupportedProtocols() []gateway.Protocol {
	return []gateway.Protocol{gateway.ProtocolOpenAI, gateway.ProtocolAnthropic}
}

func (h *Handler) CanAccessModelWithKey(*gateway.Key, string) bool { return true }

// endpoint resolves the chat completions URL for a key, honoring its
// baseUrl override.
func (h *Handler) endpoint(key *gateway.Key) string {
	base := h.baseURL
	if key.BaseURL != "" {
		base = strings.TrimRight(key.BaseURL, "/")
	}
	return base + "/chat/completions"
}

// do posts an OpenAI-format body with the bearer key.
func (h *Handler) do(ctx context.Context, req *gateway.Request, cred gateway.Credential, body []byte) (*gateway.Response, error) {
	apiKey, _ := provider.DecodeKeyData(cred.Key.KeyData)
	if apiKey == "" {
		return nil, fmt.Errorf("openaicompat: keyData carries no API key")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(cred.Key), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("openaicompat: do request: %w", err)
		cred.Feedback.RecordModelStatus(cred.Key, req.Model, false, false, err, time.Time{})
		return nil, err
	}
	return provider.FinishAttempt(providerName, cred, req.Model, resp, nil)
}

// HandleOpenAI forwards a native OpenAI request with the resolved model.
func (h *Handler) HandleOpenAI(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	body, err := sjson.SetBytes(req.Body, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: set model: %w", err)
	}
	return h.do(ctx, req, cred, body)
}

// HandleAnthropic translates to OpenAI format and converts the response back.
func (h *Handler) HandleAnthropic(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	openaiBody, err := adapter.AnthropicToOpenAIRequest(req.Body)
	if err != nil {
		return nil, err
	}
	openaiBody, err = sjson.SetBytes(openaiBody, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: set model: %w", err)
	}

	resp, err := h.do(ctx, req, cred, openaiBody)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		down := adapter.NewOpenAIToAnthropicStream(req.Model)
		return provider.StreamResponse(resp.StatusCode,
			adapter.NewEventReaderWithPrelude(resp.Body, down, down.Prelude())), nil
	}
	body, err := provider.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: read response: %w", err)
	}
	converted, err := adapter.OpenAIToAnthropicResponse(body)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(resp.StatusCode, converted), nil
}

// HandleGemini is never reached: the protocol is not in SupportedProtocols.
func (h *Handler) HandleGemini(context.Context, *gateway.Request, gateway.Credential) (*gateway.Response, error) {
	return nil, fmt.Errorf("openaicompat: gemini protocol not supported")
}
