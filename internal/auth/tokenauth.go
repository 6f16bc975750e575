// Package auth implements opaque token authentication for the Mithril
// gateway. Token-to-user resolution is cached in a W-TinyLFU cache; the user
// aggregate itself is re-read per request so key pauses and throttle state
// are never stale.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up token revocations promptly
	cacheMaxLen = 10_000           // max concurrent active tokens expected per deployment
)

// cachedResolution maps a presented token to its owning user. Only the
// mapping is cached; the User itself is fetched fresh on every request.
type cachedResolution struct {
	userID         string
	viaAccessToken bool
}

// TokenAuth authenticates "sk-" user tokens and "sk-api-" access tokens.
type TokenAuth struct {
	store storage.Store
	cache *otter.Cache[string, cachedResolution]
}

var _ gateway.Authenticator = (*TokenAuth)(nil)

// NewTokenAuth returns a TokenAuth backed by store.
func NewTokenAuth(store storage.Store) (*TokenAuth, error) {
	c, err := otter.New(&otter.Options[string, cachedResolution]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cachedResolution](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &TokenAuth{store: store, cache: c}, nil
}

// ExtractToken pulls the presented credential out of a request, checking the
// Authorization header, then the Gemini-style x-goog-api-key header, then the
// key query parameter. Empty when the request carries none.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		// Anthropic SDKs send the bare token in x-api-key; some OpenAI
		// clients send the Authorization value without the scheme.
		return strings.TrimSpace(h)
	}
	if h := r.Header.Get("x-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	if h := r.Header.Get("x-goog-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	return r.URL.Query().Get("key")
}

// Authenticate resolves the request's token to an identity. Access tokens
// ("sk-api-") resolve to their owning user with ViaAccessToken set; the
// server layer uses that flag to deny management endpoints.
func (a *TokenAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	token := ExtractToken(r)
	if token == "" || !strings.HasPrefix(token, gateway.UserTokenPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	if res, ok := a.cache.GetIfPresent(token); ok {
		user, err := a.store.FindUserByID(ctx, res.userID)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				a.cache.Invalidate(token)
				return nil, gateway.ErrUnauthorized
			}
			return nil, err
		}
		return &gateway.Identity{User: user, ViaAccessToken: res.viaAccessToken}, nil
	}

	res, err := a.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := a.store.FindUserByID(ctx, res.userID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	a.cache.Set(token, res)
	return &gateway.Identity{User: user, ViaAccessToken: res.viaAccessToken}, nil
}

// resolve maps a token to a user ID without consulting the cache. The
// "sk-api-" prefix is checked first; it is a superset of "sk-".
func (a *TokenAuth) resolve(ctx context.Context, token string) (cachedResolution, error) {
	if strings.HasPrefix(token, gateway.AccessTokenPrefix) {
		at, err := a.store.FindAccessToken(ctx, token)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return cachedResolution{}, gateway.ErrUnauthorized
			}
			return cachedResolution{}, err
		}
		return cachedResolution{userID: at.UserID, viaAccessToken: true}, nil
	}

	user, err := a.store.FindUserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return cachedResolution{}, gateway.ErrUnauthorized
		}
		return cachedResolution{}, err
	}
	return cachedResolution{userID: user.ID}, nil
}

// Invalidate drops a token from the resolution cache. Called when an access
// token is deleted so revocation takes effect before the TTL.
func (a *TokenAuth) Invalidate(token string) {
	a.cache.Invalidate(token)
}
