// Package gateway defines domain types and interfaces for the Mithril LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// --- Wire protocols ---

// Protocol identifies one of the supported inbound/outbound wire formats.
type Protocol string

const (
	// ProtocolOpenAI is the OpenAI chat-completions wire format.
	ProtocolOpenAI Protocol = "openai"
	// ProtocolGemini is the Google Gemini generateContent wire format.
	ProtocolGemini Protocol = "gemini"
	// ProtocolAnthropic is the Anthropic Messages wire format.
	ProtocolAnthropic Protocol = "anthropic"
)

// --- Throttle modes ---

// ThrottleMode controls how backoff buckets are keyed for a provider.
type ThrottleMode string

const (
	// ThrottleByKey keeps a single "_global_" bucket per key.
	ThrottleByKey ThrottleMode = "BY_KEY"
	// ThrottleByModel keeps one bucket per resolved model base ID.
	ThrottleByModel ThrottleMode = "BY_MODEL"
)

// GlobalBucket is the bucket key used under ThrottleByKey mode.
const GlobalBucket = "_global_"

// --- Multi-tenant identity ---

// Token prefixes. User tokens authenticate everything; access tokens are
// secondary credentials denied access to management endpoints.
const (
	UserTokenPrefix   = "sk-"
	AccessTokenPrefix = "sk-api-"
)

// User is a tenant identified by an opaque token. Keys are loaded eagerly
// together with their provider configs; the aggregate is a parent-children
// tree with no back-references.
type User struct {
	ID           string            `json:"id"`
	Token        string            `json:"-"` // opaque, prefix "sk-"
	Name         string            `json:"name,omitempty"`
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
	Keys         []*Key            `json:"keys,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ResolveAlias expands a requested model string through the user's alias map.
// Substitution happens at most once; the mapped value is never re-resolved, so
// ResolveAlias(ResolveAlias(x)) == ResolveAlias(x) for non-chained maps.
func (u *User) ResolveAlias(model string) string {
	if mapped, ok := u.ModelAliases[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// AccessToken is a secondary token (prefix "sk-api-") that authenticates as a
// specific user but is rejected on management endpoints. Immutable once issued.
type AccessToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is a credential for one upstream provider, owned by exactly one user.
// KeyData is an opaque provider-specific blob: a raw API key, a base64 JSON
// wrapper, or a native JSON object carrying OAuth tokens.
type Key struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	ProviderName      string       `json:"provider_name"`
	KeyData           string       `json:"-"`
	Throttle          ThrottleData `json:"throttle,omitempty"`
	PermanentlyFailed bool         `json:"permanently_failed"`
	Paused            bool         `json:"paused"`
	Notes             string       `json:"notes,omitempty"`
	BaseURL           string       `json:"base_url,omitempty"`
	AvailableModels   []string     `json:"available_models,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`

	// Provider is the owning provider config, loaded with the user aggregate.
	Provider *ProviderConfig `json:"-"`
}

// BucketKey returns the throttle bucket key for this key given a resolved
// model base ID, honoring the provider's throttle mode.
func (k *Key) BucketKey(baseID string) string {
	if k.Provider != nil && k.Provider.ThrottleMode == ThrottleByModel {
		return baseID
	}
	return GlobalBucket
}

// ThrottleData maps bucket keys to backoff state. A nil or empty map means
// the key is fully healthy.
type ThrottleData map[string]*BucketState

// BucketState is the persisted backoff state for one bucket.
// Expiration is unix milliseconds; zero means not throttled.
type BucketState struct {
	Expiration          int64  `json:"expiration"`
	CurrentBackoffMs    int64  `json:"currentBackoffDuration"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Healthy reports whether the bucket carries no information as of nowMs: no
// live expiration, no failure streak, no backoff memory above the provider
// minimum. Such entries are removed on write (map compaction), and a success
// recorded over one stages nothing.
func (b *BucketState) Healthy(minMs, nowMs int64) bool {
	return b.Expiration <= nowMs && b.ConsecutiveFailures == 0 && b.CurrentBackoffMs <= minMs
}

// KeyUpdate is a partial update applied to a persisted key. Nil fields are
// left untouched; a ThrottleJSON of "null" clears the stored throttle blob.
type KeyUpdate struct {
	ThrottleJSON      *string
	KeyData           *string
	PermanentlyFailed *bool
}

// Empty reports whether the update carries no changes.
func (u *KeyUpdate) Empty() bool {
	return u.ThrottleJSON == nil && u.KeyData == nil && u.PermanentlyFailed == nil
}

// --- Provider config ---

// ProviderConfig describes an upstream provider family. Read-only at request
// time; seeded from config at startup.
type ProviderConfig struct {
	Name            string       `json:"name"`
	DisplayName     string       `json:"display_name,omitempty"`
	ThrottleMode    ThrottleMode `json:"throttle_mode"`
	MinThrottleMin  int          `json:"min_throttle_minutes"`
	MaxThrottleMin  int          `json:"max_throttle_minutes"`
	Models          []string     `json:"models"`           // each shaped baseId[$alias]
	NativeProtocols []Protocol   `json:"native_protocols"` // subset of openai/gemini/anthropic
}

// MinBackoffMs returns the minimum backoff duration in milliseconds.
// Throttle durations are configured in minutes.
func (p *ProviderConfig) MinBackoffMs() int64 { return int64(p.MinThrottleMin) * 60_000 }

// MaxBackoffMs returns the maximum backoff duration in milliseconds.
func (p *ProviderConfig) MaxBackoffMs() int64 { return int64(p.MaxThrottleMin) * 60_000 }

// --- Request / response ---

// Request is the protocol-tagged inbound request handed to the router and on
// to provider handlers. Body is the raw JSON as received; Model is rewritten
// per attempt to the resolved upstream base ID.
type Request struct {
	Protocol     Protocol
	Body         json.RawMessage
	Model        string // resolved baseId for the current attempt
	Stream       bool
	IncludeUsage bool   // OpenAI stream_options.include_usage
	Action       string // Gemini: "generateContent" or "streamGenerateContent"
}

// Clone returns a shallow copy safe for per-attempt model rewriting.
func (r *Request) Clone() *Request {
	c := *r
	return &c
}

// Response is an upstream response already translated to the caller's
// protocol. Body is streamed; SSE transformers are composed before return.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// --- Handler feedback ---

// Feedback is the throttle engine surface exposed to provider handlers.
// Handlers report outcomes; they never commit. Commits are the router's
// responsibility.
type Feedback interface {
	// RecordKeyDataUpdated stages the key's in-memory KeyData for persistence.
	RecordKeyDataUpdated(k *Key)
	// RecordKeyPermanentlyFailed sets the sticky flag in memory and stages it.
	RecordKeyPermanentlyFailed(k *Key)
	// RecordModelStatus updates the bucket state for the resolved base ID.
	// resetTime, when non-zero, overrides the computed expiration if later.
	RecordModelStatus(k *Key, baseID string, success, rateLimited bool, lastErr error, resetTime time.Time)
}

// Credential bundles the key being attempted with the feedback channel.
type Credential struct {
	Key      *Key
	Feedback Feedback
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	User           *User
	ViaAccessToken bool // true when authenticated via an "sk-api-" token
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Authenticator ---

// Authenticator resolves request credentials to a caller identity with the
// user's keys (and their providers) eagerly loaded.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
