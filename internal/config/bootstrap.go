package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// providers and users are left untouched, so the config file can stay in
// place across restarts without clobbering state mutated through the API.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, p := range cfg.Providers {
		pc, err := p.ToProviderConfig()
		if err != nil {
			return err
		}
		if existing, _ := store.GetProvider(ctx, pc.Name); existing != nil {
			continue
		}
		if err := store.CreateProvider(ctx, pc); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "name", pc.Name, "throttle_mode", pc.ThrottleMode)
	}

	for _, u := range cfg.Users {
		if err := seedUser(ctx, store, u); err != nil {
			return err
		}
	}
	return nil
}

func seedUser(ctx context.Context, store storage.Store, entry UserEntry) error {
	token := entry.Token
	if token != "" {
		existing, err := store.FindUserByToken(ctx, token)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		if existing != nil {
			return nil
		}
	} else {
		token = GenerateUserToken()
		// Printed once; there is no way to recover a generated token later.
		slog.Info("generated user token", "user", entry.Name, "token", token)
	}

	user := &gateway.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Token:        token,
		Name:         entry.Name,
		ModelAliases: entry.Aliases,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return err
	}
	slog.Info("bootstrapped user", "name", entry.Name, "keys", len(entry.Keys))

	for _, k := range entry.Keys {
		if k.Provider == "" || k.KeyData == "" {
			slog.Warn("skipping key seed with missing provider or key_data", "user", entry.Name)
			continue
		}
		key := &gateway.Key{
			ID:              uuid.Must(uuid.NewV7()).String(),
			UserID:          user.ID,
			ProviderName:    k.Provider,
			KeyData:         k.KeyData,
			Notes:           k.Notes,
			BaseURL:         k.BaseURL,
			AvailableModels: k.AvailableModels,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GenerateUserToken creates a random "sk-" user token and returns the plaintext.
func GenerateUserToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.UserTokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
