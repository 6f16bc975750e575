// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/mithril/internal"
)

// UserStore resolves tokens to users and manages the user aggregate.
// FindUserByToken and FindUserByID return the user with keys (and each key's
// provider config) eagerly loaded.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	FindUserByToken(ctx context.Context, token string) (*gateway.User, error)
	FindUserByID(ctx context.Context, id string) (*gateway.User, error)
	UpdateUserAliases(ctx context.Context, userID string, aliases map[string]string) error
}

// AccessTokenStore manages secondary "sk-api-" tokens.
type AccessTokenStore interface {
	CreateAccessToken(ctx context.Context, t *gateway.AccessToken) error
	FindAccessToken(ctx context.Context, token string) (*gateway.AccessToken, error)
	ListAccessTokens(ctx context.Context, userID string) ([]*gateway.AccessToken, error)
	DeleteAccessToken(ctx context.Context, userID, id string) error
}

// KeyStore manages provider credentials. UpdateKey applies a partial update
// with a single write; this is the only mutation path the throttle engine uses.
type KeyStore interface {
	CreateKey(ctx context.Context, k *gateway.Key) error
	GetKey(ctx context.Context, id string) (*gateway.Key, error)
	ListKeys(ctx context.Context, userID string) ([]*gateway.Key, error)
	UpdateKey(ctx context.Context, id string, upd gateway.KeyUpdate) error
	SetKeyPaused(ctx context.Context, userID, id string, paused bool) error
	ResetKeyFailure(ctx context.Context, userID, id string) error
	DeleteKey(ctx context.Context, userID, id string) error
}

// ProviderStore manages provider configuration. Read-only at request time.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.ProviderConfig) error
	GetProvider(ctx context.Context, name string) (*gateway.ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*gateway.ProviderConfig, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	AccessTokenStore
	KeyStore
	ProviderStore
	Close() error
}
