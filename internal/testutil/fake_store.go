// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is an in-memory storage.Store. It is safe for concurrent use and
// counts UpdateKey calls so tests can assert commit minimality.
type FakeStore struct {
	mu        sync.Mutex
	users     map[string]*gateway.User
	tokens    map[string]*gateway.AccessToken
	keys      map[string]*gateway.Key
	providers map[string]*gateway.ProviderConfig

	UpdateKeyCalls int
	UpdateKeyErr   error
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:     make(map[string]*gateway.User),
		tokens:    make(map[string]*gateway.AccessToken),
		keys:      make(map[string]*gateway.Key),
		providers: make(map[string]*gateway.ProviderConfig),
	}
}

// Seed inserts a user together with its keys and their provider configs.
func (s *FakeStore) Seed(u *gateway.User) *FakeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	for _, k := range u.Keys {
		s.keys[k.ID] = k
		if k.Provider != nil {
			s.providers[k.Provider.Name] = k.Provider
		}
	}
	return s
}

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *FakeStore) FindUserByToken(_ context.Context, token string) (*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Token == token {
			return u, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) FindUserByID(_ context.Context, id string) (*gateway.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) UpdateUserAliases(_ context.Context, userID string, aliases map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return gateway.ErrNotFound
	}
	u.ModelAliases = aliases
	return nil
}

func (s *FakeStore) CreateAccessToken(_ context.Context, t *gateway.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = t
	return nil
}

func (s *FakeStore) FindAccessToken(_ context.Context, token string) (*gateway.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[token]; ok {
		return t, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListAccessTokens(_ context.Context, userID string) ([]*gateway.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.AccessToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FakeStore) DeleteAccessToken(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, t := range s.tokens {
		if t.ID == id && t.UserID == userID {
			delete(s.tokens, token)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) CreateKey(_ context.Context, k *gateway.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		return k, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, userID string) ([]*gateway.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Key
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

// UpdateKey applies the partial update the way the sqlite store does,
// including clearing throttle data on a JSON null.
func (s *FakeStore) UpdateKey(_ context.Context, id string, upd gateway.KeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateKeyCalls++
	if s.UpdateKeyErr != nil {
		return s.UpdateKeyErr
	}
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if upd.ThrottleJSON != nil {
		if *upd.ThrottleJSON == "" || *upd.ThrottleJSON == "null" {
			k.Throttle = nil
		} else {
			var td gateway.ThrottleData
			if err := json.Unmarshal([]byte(*upd.ThrottleJSON), &td); err != nil {
				return fmt.Errorf("fake store: bad throttle JSON: %w", err)
			}
			k.Throttle = td
		}
	}
	if upd.KeyData != nil {
		k.KeyData = *upd.KeyData
	}
	if upd.PermanentlyFailed != nil {
		k.PermanentlyFailed = *upd.PermanentlyFailed
	}
	return nil
}

func (s *FakeStore) SetKeyPaused(_ context.Context, userID, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return gateway.ErrNotFound
	}
	k.Paused = paused
	return nil
}

func (s *FakeStore) ResetKeyFailure(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return gateway.ErrNotFound
	}
	k.PermanentlyFailed = false
	k.Throttle = nil
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name] = p
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, name string) (*gateway.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[name]; ok {
		return p, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*gateway.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.ProviderConfig
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *FakeStore) Close() error { return nil }
