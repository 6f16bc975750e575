// Package provider defines the upstream handler contract and the registry the
// router dispatches through.
package provider

import (
	"context"
	"fmt"
	"slices"

	gateway "github.com/eugener/mithril/internal"
)

// Handler is the polymorphic contract every upstream plugs into. Handlers are
// stateless: per-attempt state travels in the credential. A handler reports
// outcomes through cred.Feedback and never commits.
type Handler interface {
	// Name returns the provider identifier keys reference (e.g. "CODE_ASSIST").
	Name() string
	// SupportedProtocols lists the inbound wire formats this handler accepts,
	// natively or through adapters. The router excludes handlers that do not
	// list the request protocol.
	SupportedProtocols() []gateway.Protocol
	// CanAccessModelWithKey decides per-key plan or tier eligibility for a
	// resolved base ID. Synchronous, no network I/O.
	CanAccessModelWithKey(key *gateway.Key, baseID string) bool
	// HandleOpenAI forwards an OpenAI-format request upstream.
	HandleOpenAI(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error)
	// HandleGemini forwards a Gemini-format request upstream.
	HandleGemini(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error)
	// HandleAnthropic forwards an Anthropic-format request upstream.
	HandleAnthropic(ctx context.Context, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error)
}

// Dispatch routes a request to the protocol-appropriate handler entry.
func Dispatch(ctx context.Context, h Handler, req *gateway.Request, cred gateway.Credential) (*gateway.Response, error) {
	switch req.Protocol {
	case gateway.ProtocolOpenAI:
		return h.HandleOpenAI(ctx, req, cred)
	case gateway.ProtocolGemini:
		return h.HandleGemini(ctx, req, cred)
	case gateway.ProtocolAnthropic:
		return h.HandleAnthropic(ctx, req, cred)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", req.Protocol)
	}
}

// Supports reports whether the handler accepts the given protocol.
func Supports(h Handler, p gateway.Protocol) bool {
	return slices.Contains(h.SupportedProtocols(), p)
}

// Registry maps provider names to handlers. It is built once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a Registry holding the given handlers keyed by name.
func NewRegistry(handlers ...Handler) *Registry {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		m[h.Name()] = h
	}
	return &Registry{handlers: m}
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// List returns a sorted slice of all registered handler names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
