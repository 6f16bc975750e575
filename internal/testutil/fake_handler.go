package testutil

import (
	"context"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/provider"
)

var _ provider.Handler = (*FakeHandler)(nil)

// FakeHandler is a configurable provider.Handler. HandleFn serves all three
// protocol entry points; unset, every call fails.
type FakeHandler struct {
	ProviderName string
	Protocols    []gateway.Protocol
	CanAccessFn  func(key *gateway.Key, baseID string) bool
	HandleFn     func(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error)

	// Calls records every dispatched attempt in order, as "keyID/model".
	Calls []string
}

func (f *FakeHandler) Name() string { return f.ProviderName }

func (f *FakeHandler) SupportedProtocols() []gateway.Protocol {
	if f.Protocols == nil {
		return []gateway.Protocol{gateway.ProtocolOpenAI, gateway.ProtocolGemini, gateway.ProtocolAnthropic}
	}
	return f.Protocols
}

func (f *FakeHandler) CanAccessModelWithKey(key *gateway.Key, baseID string) bool {
	if f.CanAccessFn != nil {
		return f.CanAccessFn(key, baseID)
	}
	return true
}

func (f *FakeHandler) handle(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	f.Calls = append(f.Calls, cred.Key.ID+"/"+req.Model)
	if f.HandleFn != nil {
		return f.HandleFn(ctx, req, cred)
	}
	return nil, gateway.ErrNoEligibleKey
}

func (f *FakeHandler) HandleOpenAI(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	return f.handle(ctx, req, cred)
}

func (f *FakeHandler) HandleGemini(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	return f.handle(ctx, req, cred)
}

func (f *FakeHandler) HandleAnthropic(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	return f.handle(ctx, req, cred)
}

var _ gateway.Feedback = (*RecordingFeedback)(nil)

// FeedbackCall is one recorded feedback invocation.
type FeedbackCall struct {
	Method      string // "keyData", "permanentFailure", "modelStatus"
	KeyID       string
	BaseID      string
	Success     bool
	RateLimited bool
	ResetTime   time.Time
}

// RecordingFeedback captures feedback calls for assertions in handler tests.
type RecordingFeedback struct {
	Records []FeedbackCall
}

func (r *RecordingFeedback) RecordKeyDataUpdated(k *gateway.Key) {
	r.Records = append(r.Records, FeedbackCall{Method: "keyData", KeyID: k.ID})
}

func (r *RecordingFeedback) RecordKeyPermanentlyFailed(k *gateway.Key) {
	k.PermanentlyFailed = true
	r.Records = append(r.Records, FeedbackCall{Method: "permanentFailure", KeyID: k.ID})
}

func (r *RecordingFeedback) RecordModelStatus(k *gateway.Key, baseID string, success, rateLimited bool, _ error, resetTime time.Time) {
	r.Records = append(r.Records, FeedbackCall{
		Method:      "modelStatus",
		KeyID:       k.ID,
		BaseID:      baseID,
		Success:     success,
		RateLimited: rateLimited,
		ResetTime:   resetTime,
	})
}

// Last returns the most recent record, or a zero value when none exist.
func (r *RecordingFeedback) Last() FeedbackCall {
	if len(r.Records) == 0 {
		return FeedbackCall{}
	}
	return r.Records[len(r.Records)-1]
}
