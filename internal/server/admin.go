package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, status, "not found", nil)
	case errors.Is(err, gateway.ErrConflict):
		writeError(w, status, "conflict", nil)
	case errors.Is(err, gateway.ErrBadRequest):
		writeError(w, status, err.Error(), nil)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "management error",
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal error", nil)
	}
}

func callerUser(r *http.Request) *gateway.User {
	return gateway.IdentityFromContext(r.Context()).User
}

// --- Provider keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context(), callerUser(r).ID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.Key{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

type createKeyRequest struct {
	ProviderName    string   `json:"provider_name"`
	KeyData         string   `json:"key_data"`
	Notes           string   `json:"notes,omitempty"`
	BaseURL         string   `json:"base_url,omitempty"`
	AvailableModels []string `json:"available_models,omitempty"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderName == "" || req.KeyData == "" {
		writeError(w, http.StatusBadRequest, "provider_name and key_data are required", nil)
		return
	}
	if _, err := s.deps.Store.GetProvider(r.Context(), req.ProviderName); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown provider "+req.ProviderName, nil)
			return
		}
		writeAdminError(w, r, err)
		return
	}

	key := &gateway.Key{
		ID:              uuid.Must(uuid.NewV7()).String(),
		UserID:          callerUser(r).ID,
		ProviderName:    req.ProviderName,
		KeyData:         req.KeyData,
		Notes:           req.Notes,
		BaseURL:         req.BaseURL,
		AvailableModels: req.AvailableModels,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, key)
}

func (s *server) handlePauseKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyPaused(w, r, true)
}

func (s *server) handleResumeKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyPaused(w, r, false)
}

func (s *server) setKeyPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetKeyPaused(r.Context(), callerUser(r).ID, id, paused); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paused": paused})
}

// handleResetKey clears a key's permanent-failure flag and throttle state so
// a replaced upstream credential can be retried immediately.
func (s *server) handleResetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.ResetKeyFailure(r.Context(), callerUser(r).ID, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "reset": true})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), callerUser(r).ID, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Access tokens ---

func (s *server) handleListAccessTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.deps.Store.ListAccessTokens(r.Context(), callerUser(r).ID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []*gateway.AccessToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tokens})
}

type createAccessTokenRequest struct {
	Name string `json:"name,omitempty"`
}

// handleCreateAccessToken mints a new "sk-api-" token. The token value is
// returned once in the creation response and never again.
func (s *server) handleCreateAccessToken(w http.ResponseWriter, r *http.Request) {
	var req createAccessTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	at := &gateway.AccessToken{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Token:     gateway.AccessTokenPrefix + uuid.NewString() + uuid.NewString()[:8],
		UserID:    callerUser(r).ID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.CreateAccessToken(r.Context(), at); err != nil {
		writeAdminError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         at.ID,
		"token":      at.Token,
		"name":       at.Name,
		"created_at": at.CreatedAt,
	})
}

func (s *server) handleDeleteAccessToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteAccessToken(r.Context(), callerUser(r).ID, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Model aliases ---

type updateAliasesRequest struct {
	Aliases map[string]string `json:"aliases"`
}

// handleUpdateAliases replaces the caller's model alias map wholesale.
func (s *server) handleUpdateAliases(w http.ResponseWriter, r *http.Request) {
	var req updateAliasesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Aliases == nil {
		req.Aliases = map[string]string{}
	}
	if err := s.deps.Store.UpdateUserAliases(r.Context(), callerUser(r).ID, req.Aliases); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": req.Aliases})
}
