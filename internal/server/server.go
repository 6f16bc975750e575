// Package server implements the HTTP transport layer for the Mithril gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/app"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenCounter estimates token counts for Anthropic-shape request bodies.
type TokenCounter interface {
	EstimateAnthropicRequest(body []byte) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         gateway.Authenticator
	Router       *app.Router
	Store        storage.Store
	Metrics      *telemetry.Metrics // nil = no request metrics
	TokenCounter TokenCounter       // nil = 501 on count_tokens
	ReadyCheck   ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// Client-facing protocol surfaces (auth required; access tokens allowed)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1beta/models/{model}:{action}", s.handleGeminiGenerate)
		r.Post("/v1beta/models/{provider}/{model}:{action}", s.handleGeminiGenerate)
		r.Post("/v1/messages", s.handleAnthropicMessages)
		r.Post("/v1/messages/count_tokens", s.handleCountTokens)
		r.Get("/v1/models", s.handleListModels)
	})

	// Management surface (primary user tokens only)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.denyAccessTokens)
		r.Get("/v1/keys", s.handleListKeys)
		r.Post("/v1/keys", s.handleCreateKey)
		r.Post("/v1/keys/{id}/pause", s.handlePauseKey)
		r.Post("/v1/keys/{id}/resume", s.handleResumeKey)
		r.Post("/v1/keys/{id}/reset", s.handleResetKey)
		r.Delete("/v1/keys/{id}", s.handleDeleteKey)
		r.Get("/v1/access-tokens", s.handleListAccessTokens)
		r.Post("/v1/access-tokens", s.handleCreateAccessToken)
		r.Delete("/v1/access-tokens/{id}", s.handleDeleteAccessToken)
		r.Put("/v1/aliases", s.handleUpdateAliases)
	})

	return r
}

type server struct {
	deps Deps
}
