package testutil

import (
	"context"
	"net/http"

	gateway "github.com/eugener/mithril/internal"
)

// FakeAuth authenticates every request as the configured user.
type FakeAuth struct {
	User           *gateway.User
	ViaAccessToken bool
}

func (f FakeAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return &gateway.Identity{User: f.User, ViaAccessToken: f.ViaAccessToken}, nil
}

// RejectAuth rejects every request.
type RejectAuth struct{}

func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}
