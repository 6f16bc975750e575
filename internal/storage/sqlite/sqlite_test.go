package sqlite

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProvider(t *testing.T, s *Store, name string) {
	t.Helper()
	err := s.CreateProvider(context.Background(), &gateway.ProviderConfig{
		Name:            name,
		ThrottleMode:    gateway.ThrottleByKey,
		MinThrottleMin:  1,
		MaxThrottleMin:  15,
		Models:          []string{"gemini-2.5-pro", "gemini-2.5-flash$fast"},
		NativeProtocols: []gateway.Protocol{gateway.ProtocolGemini},
	})
	if err != nil {
		t.Fatal("create provider:", err)
	}
}

func seedUser(t *testing.T, s *Store, token string) *gateway.User {
	t.Helper()
	u := &gateway.User{
		ID:           "u-" + token,
		Token:        token,
		Name:         "tester",
		ModelAliases: map[string]string{"gpt-4": "GCA/gemini-2.5-pro,gemini-2.5-flash"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal("create user:", err)
	}
	return u
}

func TestUserAggregateRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, s, "GCA")
	u := seedUser(t, s, "sk-test-token")

	key := &gateway.Key{
		ID:           "k-1",
		UserID:       u.ID,
		ProviderName: "GCA",
		KeyData:      `{"api_key":"raw"}`,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create key:", err)
	}

	got, err := s.FindUserByToken(ctx, "sk-test-token")
	if err != nil {
		t.Fatal("find by token:", err)
	}
	if got.ID != u.ID {
		t.Errorf("id = %q, want %q", got.ID, u.ID)
	}
	if got.ModelAliases["gpt-4"] == "" {
		t.Error("aliases not loaded")
	}
	if len(got.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(got.Keys))
	}
	k := got.Keys[0]
	if k.Provider == nil || k.Provider.Name != "GCA" {
		t.Fatal("provider config not loaded with key")
	}
	if k.Provider.ThrottleMode != gateway.ThrottleByKey {
		t.Errorf("throttle mode = %q", k.Provider.ThrottleMode)
	}
	if len(k.Provider.Models) != 2 {
		t.Errorf("provider models = %v", k.Provider.Models)
	}
}

func TestFindUserByToken_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.FindUserByToken(context.Background(), "sk-missing")
	if err != gateway.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateKey_Partial(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, s, "GCA")
	u := seedUser(t, s, "sk-upd")
	key := &gateway.Key{ID: "k-1", UserID: u.ID, ProviderName: "GCA", KeyData: "old", CreatedAt: time.Now().UTC()}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	throttle := `{"_global_":{"expiration":123,"currentBackoffDuration":60000,"consecutiveFailures":0}}`
	newData := "refreshed"
	failed := true
	err := s.UpdateKey(ctx, "k-1", gateway.KeyUpdate{
		ThrottleJSON:      &throttle,
		KeyData:           &newData,
		PermanentlyFailed: &failed,
	})
	if err != nil {
		t.Fatal("update:", err)
	}

	got, err := s.GetKey(ctx, "k-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyData != "refreshed" {
		t.Errorf("key data = %q", got.KeyData)
	}
	if !got.PermanentlyFailed {
		t.Error("permanently_failed not set")
	}
	if got.Throttle[gateway.GlobalBucket] == nil || got.Throttle[gateway.GlobalBucket].Expiration != 123 {
		t.Errorf("throttle = %+v", got.Throttle)
	}

	// Clearing the throttle blob with JSON null.
	null := "null"
	if err := s.UpdateKey(ctx, "k-1", gateway.KeyUpdate{ThrottleJSON: &null}); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetKey(ctx, "k-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Throttle != nil {
		t.Errorf("throttle after clear = %+v", got.Throttle)
	}

	// Empty update is a no-op, not an error.
	if err := s.UpdateKey(ctx, "k-1", gateway.KeyUpdate{}); err != nil {
		t.Fatal("empty update:", err)
	}
}

func TestResetKeyFailure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, s, "GCA")
	u := seedUser(t, s, "sk-reset")
	key := &gateway.Key{ID: "k-1", UserID: u.ID, ProviderName: "GCA", PermanentlyFailed: true, CreatedAt: time.Now().UTC()}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetKeyFailure(ctx, u.ID, "k-1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetKey(ctx, "k-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PermanentlyFailed {
		t.Error("flag still set after reset")
	}

	// Owner scoping: another user cannot reset.
	if err := s.ResetKeyFailure(ctx, "someone-else", "k-1"); err == nil {
		t.Error("cross-user reset succeeded")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "sk-owner")
	tok := &gateway.AccessToken{
		ID: "t-1", Token: "sk-api-abc", UserID: u.ID, Name: "ci",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateAccessToken(ctx, tok); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindAccessToken(ctx, "sk-api-abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != u.ID {
		t.Errorf("user id = %q, want %q", got.UserID, u.ID)
	}

	list, err := s.ListAccessTokens(ctx, u.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}

	if err := s.DeleteAccessToken(ctx, u.ID, "t-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindAccessToken(ctx, "sk-api-abc"); err != gateway.ErrNotFound {
		t.Fatalf("err after delete = %v", err)
	}
}

func TestProviderList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	seedProvider(t, s, "B")
	seedProvider(t, s, "A")

	list, err := s.ListProviders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "A" {
		t.Fatalf("list = %v", list)
	}
}
