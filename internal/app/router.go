// Package app implements the request router: alias resolution, fallback
// iteration, candidate key selection, and the attempt loop over the user's
// credential pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/modelspec"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/throttle"
)

// Router dispatches protocol-tagged requests across a user's keys. It is
// stateless between requests; all per-request attempt state lives in a
// throttle.Engine constructed per call.
type Router struct {
	registry *provider.Registry
	keys     storage.KeyStore
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewRouter returns a Router. metrics may be nil in tests.
func NewRouter(registry *provider.Registry, keys storage.KeyStore, metrics *telemetry.Metrics) *Router {
	return &Router{registry: registry, keys: keys, metrics: metrics, now: time.Now}
}

// Route resolves the requested model through the user's aliases, walks the
// fallback list left to right, and inside each fallback tries eligible keys
// in ascending failure order. The first upstream success wins. Staged
// throttle mutations are committed exactly once before return, on every path,
// with a context detached from request cancellation.
func (r *Router) Route(ctx context.Context, user *gateway.User, req *gateway.Request, requested string) (*gateway.Response, error) {
	if requested == "" {
		return nil, fmt.Errorf("%w: missing model", gateway.ErrBadRequest)
	}

	engine := throttle.NewEngine(r.keys)
	resp, err := r.route(ctx, engine, user, req, requested)

	if r.metrics != nil {
		r.metrics.CommitBatchSize.Observe(float64(engine.PendingCount()))
	}
	// Throttle state must survive a client disconnect mid-request.
	if cerr := engine.CommitPending(context.WithoutCancel(ctx)); cerr != nil {
		slog.LogAttrs(ctx, slog.LevelError, "throttle commit failed",
			slog.String("user", user.ID),
			slog.String("error", cerr.Error()),
		)
	}
	return resp, err
}

func (r *Router) route(ctx context.Context, engine *throttle.Engine, user *gateway.User, req *gateway.Request, requested string) (*gateway.Response, error) {
	resolved := user.ResolveAlias(requested)
	fallbacks := modelspec.SplitFallbacks(resolved)
	if len(fallbacks) == 0 {
		return nil, fmt.Errorf("%w: empty model spec %q", gateway.ErrBadRequest, requested)
	}

	var (
		errs         []error
		anyCandidate bool
		anyThrottled bool
	)

	for _, fb := range fallbacks {
		spec := modelspec.Parse(fb)
		cands := r.candidates(user, req.Protocol, spec)
		if len(cands) == 0 {
			continue
		}
		anyCandidate = true

		tried := 0
		for c := range engine.Available(cands) {
			tried++
			attempt := req.Clone()
			attempt.Model = c.BaseID

			h, _ := r.registry.Get(c.Key.ProviderName)
			cred := gateway.Credential{Key: c.Key, Feedback: engine}

			start := r.now()
			resp, err := provider.Dispatch(ctx, h, attempt, cred)
			r.observeAttempt(c.Key.ProviderName, c.BaseID, start, err)

			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				// The client is gone; further attempts would burn quota.
				errs = append(errs, err)
				return nil, errors.Join(errs...)
			}

			if errors.Is(err, gateway.ErrThrottled) {
				anyThrottled = true
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "attempt failed",
				slog.String("provider", c.Key.ProviderName),
				slog.String("key", c.Key.ID),
				slog.String("model", c.BaseID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
		if r.metrics != nil && tried < len(cands) {
			// Candidates the engine never yielded were filtered by an
			// active backoff bucket.
			for _, c := range cands {
				if engine.Throttled(c.Key, c.BaseID) {
					r.metrics.ThrottledSkips.WithLabelValues(c.Key.ProviderName).Inc()
				}
			}
		}
	}

	switch {
	case !anyCandidate:
		return nil, fmt.Errorf("%w: no provider key serves model %q", gateway.ErrNoEligibleKey, resolved)
	case anyThrottled:
		// At least one key was only rate limited; surface 429 so the caller
		// retries instead of treating the request as dead.
		return nil, fmt.Errorf("%w: %w", gateway.ErrThrottled, errors.Join(errs...))
	case len(errs) > 0:
		return nil, fmt.Errorf("%w: %w", gateway.ErrNoEligibleKey, errors.Join(errs...))
	default:
		// Every candidate was filtered by an active backoff bucket before a
		// single attempt was made. A 429 is reserved for requests where an
		// upstream actually said no; with zero attempts the pool is simply
		// exhausted.
		return nil, fmt.Errorf("%w: all keys for %q are backing off", gateway.ErrNoEligibleKey, resolved)
	}
}

// candidates selects (key, baseID) pairs eligible for one fallback spec.
// Pause, permanent failure, provider pinning, registry membership, protocol
// support, the key's effective model list, and per-key plan gating all apply
// here; backoff filtering happens later in the engine.
func (r *Router) candidates(user *gateway.User, proto gateway.Protocol, spec modelspec.Spec) []throttle.Candidate {
	var out []throttle.Candidate
	for _, key := range user.Keys {
		if key.Paused || key.PermanentlyFailed || key.Provider == nil {
			continue
		}
		if spec.Provider != "" && key.ProviderName != spec.Provider {
			continue
		}
		h, ok := r.registry.Get(key.ProviderName)
		if !ok || !provider.Supports(h, proto) {
			continue
		}
		specs := modelspec.EffectiveModels(key.Provider.Models, key.AvailableModels)
		baseID, ok := modelspec.Resolve(spec.BaseID, spec.Alias, specs)
		if !ok {
			continue
		}
		if !h.CanAccessModelWithKey(key, baseID) {
			continue
		}
		out = append(out, throttle.Candidate{Key: key, BaseID: baseID})
	}
	return out
}

func (r *Router) observeAttempt(providerName, baseID string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.UpstreamDuration.WithLabelValues(providerName, baseID).Observe(r.now().Sub(start).Seconds())
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrThrottled):
		outcome = "throttled"
		r.metrics.UpstreamErrors.WithLabelValues(providerName, "throttled").Inc()
	case errors.Is(err, gateway.ErrPermanentFailure):
		outcome = "permanent"
		r.metrics.UpstreamErrors.WithLabelValues(providerName, "permanent").Inc()
	default:
		outcome = "error"
		r.metrics.UpstreamErrors.WithLabelValues(providerName, "error").Inc()
	}
	r.metrics.AttemptsTotal.WithLabelValues(providerName, outcome).Inc()
}
