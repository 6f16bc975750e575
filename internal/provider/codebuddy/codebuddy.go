// Package codebuddy implements the provider.Handler for the CodeBuddy API,
// an OpenAI-compatible upstream with a tenant domain, an opaque token pair,
// and keyword filtering on Anthropic system prompts.
package codebuddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/adapter"
	"github.com/eugener/mithril/internal/provider"
)

const providerName = "codebuddy"

// refreshInterval rotates the access token well before the server-side
// expiry of the pair.
const refreshInterval = 7 * 24 * time.Hour

var _ provider.Handler = (*Handler)(nil)

// Handler forwards requests to a CodeBuddy tenant.
type Handler struct {
	http *http.Client
	now  func() time.Time
}

// New creates a CodeBuddy handler.
func New(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{http: client, now: time.Now}
}

func (h *Handler) Name() string { return providerName }

// SupportedProtocols: OpenAI natively, Anthropic through adapters.
func (h *Handler) SupportedProtocols() []gateway.Protocol {
	return []gateway.Protocol{gateway.ProtocolOpenAI, gateway.ProtocolAnthropic}
}

func (h *Handler) CanAccessModelWithKey(*gateway.Key, string) bool { return true }

// credentialData is the JSON shape stored in a CodeBuddy key's keyData.
type credentialData struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	Domain        string `json:"domain"`
	RefreshedAtMs int64  `json:"refreshed_at"`
}

// baseFor turns a tenant domain into a base URL. Domains normally carry no
// scheme; one is honored when present so non-TLS endpoints stay reachable.
func baseFor(domain string) string {
	if strings.Contains(domain, "://") {
		return strings.TrimRight(domain, "/")
	}
	return "https://" + domain
}

func parseCredential(keyData string) (*credentialData, error) {
	decoded, isJSON := provider.DecodeKeyData(keyData)
	if !isJSON {
		return nil, fmt.Errorf("codebuddy: keyData is not a JSON credential")
	}
	var c credentialData
	if err := json.Unmarshal([]byte(decoded), &c); err != nil {
		return nil, fmt.Errorf("codebuddy: decode keyData: %w", err)
	}
	if c.Domain == "" || c.AccessToken == "" {
		return nil, fmt.Errorf("codebuddy: keyData missing domain or access token")
	}
	return &c, nil
}

// refreshResponse is the token rotation reply.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// freshToken rotates the token pair when the stored one is older than the
// refresh interval or force is set. Rotation failures surface as transient;
// the stored token may still work.
func (h *Handler) freshToken(ctx context.Context, cred gateway.Credential, c *credentialData, force bool) (string, error) {
	age := h.now().Sub(time.UnixMilli(c.RefreshedAtMs))
	if !force && c.RefreshedAtMs > 0 && age < refreshInterval {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return c.AccessToken, nil
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": c.RefreshToken})
	url := baseFor(c.Domain) + "/v2/plugin/auth/token/refresh"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("codebuddy: create refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("codebuddy: refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// The pair itself was revoked.
		apiErr := provider.ParseAPIError(providerName, resp)
		cred.Feedback.RecordKeyPermanentlyFailed(cred.Key)
		return "", fmt.Errorf("%v: %w", apiErr, gateway.ErrPermanentFailure)
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.ParseAPIError(providerName, resp)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("codebuddy: decode refresh response: %w", err)
	}
	if rr.AccessToken == "" {
		return "", fmt.Errorf("codebuddy: refresh returned no access token")
	}

	c.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		c.RefreshToken = rr.RefreshToken
	}
	c.RefreshedAtMs = h.now().UnixMilli()
	h.storeCredential(cred, c)
	return c.AccessToken, nil
}

func (h *Handler) storeCredential(cred gateway.Credential, c *credentialData) {
	decoded, _ := provider.DecodeKeyData(cred.Key.KeyData)
	updated, err := sjson.Set(decoded, "access_token", c.AccessToken)
	if err != nil {
		return
	}
	updated, _ = sjson.Set(updated, "refresh_token", c.RefreshToken)
	updated, _ = sjson.Set(updated, "refreshed_at", c.RefreshedAtMs)
	cred.Key.KeyData = updated
	cred.Feedback.RecordKeyDataUpdated(cred.Key)
}

// do posts an OpenAI-format body to the tenant's chat completions endpoint,
// retrying once with a forced rotation on 401.
func (h *Handler) do(ctx context.Context, req *gateway.Request, cred gateway.Credential, body []byte) (*gateway.Response, error) {
	c, err := parseCredential(cred.Key.KeyData)
	if err != nil {
		return nil, err
	}

	for attempt := range 2 {
		token, err := h.freshToken(ctx, cred, c, attempt > 0)
		if err != nil {
			return nil, err
		}

		url := baseFor(c.Domain) + "/v2/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("codebuddy: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+token)

		resp, err := h.http.Do(httpReq)
		if err != nil {
			err = fmt.Errorf("codebuddy: do request: %w", err)
			cred.Feedback.RecordModelStatus(cred.Key, req.Model, false, false, err, time.Time{})
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			continue
		}

		return provider.FinishAttempt(providerName, cred, req.Model, resp, parseResetTime)
	}
	panic("unreachable")
}

// HandleOpenAI forwards a native OpenAI request with the resolved model.
func (h *Handler) HandleOpenAI(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	body, err := sjson.SetBytes(req.Body, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("codebuddy: set model: %w", err)
	}
	return h.do(ctx, req, cred, body)
}

// HandleAnthropic rewrites blocked identity keywords out of the system
// prompt, translates to OpenAI format, and converts the response back.
func (h *Handler) HandleAnthropic(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	openaiBody, err := adapter.AnthropicToOpenAIRequest(rewriteSystemKeywords(req.Body))
	if err != nil {
		return nil, err
	}
	openaiBody, err = sjson.SetBytes(openaiBody, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("codebuddy: set model: %w", err)
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
		return nil, fmt.Errorf("codebuddy: read response: %w", err)
	}
	converted, err := adapter.OpenAIToAnthropicResponse(body)
	if err != nil {
		return nil, err
	}
	return provider.JSONResponse(resp.StatusCode, converted), nil
}

// HandleGemini is never reached: the protocol is not in SupportedProtocols.
func (h *Handler) HandleGemini(context.Context, *gateway.Request, gateway.Credential) (*gateway.Response, error) {
	return nil, fmt.Errorf("codebuddy: gemini protocol not supported")
}
