package gateway

import (
	"context"
	"testing"
	"time"
)

func TestResolveAlias(t *testing.T) {
	t.Parallel()

	u := &User{ModelAliases: map[string]string{
		"smart": "codeassist/gemini-2.5-pro,aistudio/gemini-2.5-flash",
		"loop":  "loop",
		"empty": "",
	}}

	tests := []struct {
		name  string
		model string
		want  string
	}{
		{"mapped", "smart", "codeassist/gemini-2.5-pro,aistudio/gemini-2.5-flash"},
		{"unmapped passthrough", "gemini-2.5-pro", "gemini-2.5-pro"},
		{"self-mapping is stable", "loop", "loop"},
		{"empty mapping ignored", "empty", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := u.ResolveAlias(tt.model); got != tt.want {
				t.Errorf("ResolveAlias(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}

	// Substitution happens at most once.
	chained := &User{ModelAliases: map[string]string{"a": "b", "b": "c"}}
	if got := chained.ResolveAlias("a"); got != "b" {
		t.Errorf("chained ResolveAlias = %q, want single substitution", got)
	}
}

func TestBucketKey(t *testing.T) {
	t.Parallel()

	byModel := &Key{Provider: &ProviderConfig{ThrottleMode: ThrottleByModel}}
	if got := byModel.BucketKey("gemini-2.5-pro"); got != "gemini-2.5-pro" {
		t.Errorf("BY_MODEL bucket = %q", got)
	}
	byKey := &Key{Provider: &ProviderConfig{ThrottleMode: ThrottleByKey}}
	if got := byKey.BucketKey("gemini-2.5-pro"); got != GlobalBucket {
		t.Errorf("BY_KEY bucket = %q", got)
	}
	// A key with no provider loaded falls back to the global bucket.
	if got := (&Key{}).BucketKey("m"); got != GlobalBucket {
		t.Errorf("nil provider bucket = %q", got)
	}
}

func TestBucketStateHealthy(t *testing.T) {
	t.Parallel()

	const minMs = 60_000
	const nowMs = 1_700_000_000_000
	tests := []struct {
		name  string
		state BucketState
		want  bool
	}{
		{"sentinel", BucketState{CurrentBackoffMs: minMs}, true},
		{"zero value", BucketState{}, true},
		{"expired", BucketState{Expiration: nowMs - 1, CurrentBackoffMs: minMs}, true},
		{"throttled", BucketState{Expiration: nowMs + 1, CurrentBackoffMs: minMs}, false},
		{"failure memory", BucketState{ConsecutiveFailures: 2, CurrentBackoffMs: minMs}, false},
		{"elevated backoff", BucketState{CurrentBackoffMs: minMs * 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.state.Healthy(minMs, nowMs); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyUpdateEmpty(t *testing.T) {
	t.Parallel()

	if !(&KeyUpdate{}).Empty() {
		t.Error("zero update not Empty")
	}
	s := "null"
	if (&KeyUpdate{ThrottleJSON: &s}).Empty() {
		t.Error("throttle update reported Empty")
	}
	b := true
	if (&KeyUpdate{PermanentlyFailed: &b}).Empty() {
		t.Error("flag update reported Empty")
	}
}

func TestProviderConfigBackoffMs(t *testing.T) {
	t.Parallel()

	p := &ProviderConfig{MinThrottleMin: 2, MaxThrottleMin: 30}
	if p.MinBackoffMs() != 120_000 {
		t.Errorf("MinBackoffMs = %d", p.MinBackoffMs())
	}
	if p.MaxBackoffMs() != 1_800_000 {
		t.Errorf("MaxBackoffMs = %d", p.MaxBackoffMs())
	}
}

func TestRequestClone(t *testing.T) {
	t.Parallel()

	orig := &Request{Protocol: ProtocolOpenAI, Model: "a", Stream: true}
	c := orig.Clone()
	c.Model = "b"
	if orig.Model != "a" {
		t.Error("clone mutation leaked into original")
	}
	if !c.Stream || c.Protocol != ProtocolOpenAI {
		t.Errorf("clone = %+v", c)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id = %q", got)
	}
	if IdentityFromContext(ctx) != nil {
		t.Error("identity set before authentication")
	}

	id := &Identity{User: &User{ID: "u1"}, ViaAccessToken: true}
	ctx2 := ContextWithIdentity(ctx, id)
	// Identity is stored by mutating the existing metadata, so both contexts
	// observe it.
	if IdentityFromContext(ctx2) != id || IdentityFromContext(ctx) != id {
		t.Error("identity not visible through shared metadata")
	}
	if got := RequestIDFromContext(ctx2); got != "req-1" {
		t.Errorf("request id after identity = %q", got)
	}

	// Without prior metadata a fresh context is created.
	bare := ContextWithIdentity(context.Background(), id)
	if IdentityFromContext(bare) != id {
		t.Error("identity lost on bare context")
	}
}

func TestThrottledErrorUnwrap(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(time.Minute)
	err := &ThrottledError{Provider: "aistudio", ResetTime: reset, Message: "quota"}
	if err.Unwrap() != ErrThrottled {
		t.Error("Unwrap did not yield ErrThrottled")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}
