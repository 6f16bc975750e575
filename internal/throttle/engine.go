// Package throttle implements per-key exponential backoff state and the
// buffered commit batch used by the request router. An Engine lives for a
// single request's attempt loop; cross-request coordination happens only
// through the key store.
package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// failureThreshold is the number of consecutive non-rate-limit failures that
// trips a bucket into backoff.
const failureThreshold = 5

// Engine buffers throttle and credential mutations for one request and
// flushes them with at most one store write per key. It implements
// gateway.Feedback for provider handlers.
type Engine struct {
	store   storage.KeyStore
	pending map[string]*gateway.KeyUpdate
	now     func() time.Time
}

var _ gateway.Feedback = (*Engine)(nil)

// NewEngine returns an Engine backed by the given key store.
func NewEngine(store storage.KeyStore) *Engine {
	return &Engine{
		store:   store,
		pending: make(map[string]*gateway.KeyUpdate),
		now:     time.Now,
	}
}

// Candidate pairs a key with the base ID its provider resolved for this
// attempt; the bucket key depends on both.
type Candidate struct {
	Key    *gateway.Key
	BaseID string
}

// Available yields eligible candidates in ascending order of consecutive
// failures (ties keep insertion order). Iteration is lazy: throttle state is
// re-read at each yield, so a status recorded for an earlier key in the same
// request is visible before a later key is handed out.
func (e *Engine) Available(cands []Candidate) iter.Seq[Candidate] {
	ordered := slices.Clone(cands)
	slices.SortStableFunc(ordered, func(a, b Candidate) int {
		return e.failures(a) - e.failures(b)
	})
	return func(yield func(Candidate) bool) {
		for _, c := range ordered {
			if e.Throttled(c.Key, c.BaseID) {
				continue
			}
			if c.Key.PermanentlyFailed || c.Key.Paused {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Throttled reports whether the key's bucket for baseID is currently backing off.
func (e *Engine) Throttled(k *gateway.Key, baseID string) bool {
	b := k.Throttle[k.BucketKey(baseID)]
	return b != nil && b.Expiration > e.now().UnixMilli()
}

func (e *Engine) failures(c Candidate) int {
	if b := c.Key.Throttle[c.Key.BucketKey(c.BaseID)]; b != nil {
		return b.ConsecutiveFailures
	}
	return 0
}

// RecordKeyDataUpdated stages the key's in-memory KeyData for persistence.
func (e *Engine) RecordKeyDataUpdated(k *gateway.Key) {
	data := k.KeyData
	e.update(k.ID).KeyData = &data
}

// RecordKeyPermanentlyFailed sets the sticky flag in memory and stages it.
func (e *Engine) RecordKeyPermanentlyFailed(k *gateway.Key) {
	k.PermanentlyFailed = true
	failed := true
	e.update(k.ID).PermanentlyFailed = &failed
}

// RecordModelStatus applies the backoff transition for one attempt outcome
// and stages the resulting throttle map.
//
// Transitions:
//   - rate limited: exponential backoff doubling from the provider minimum up
//     to the maximum, failures reset to zero. A later upstream resetTime wins.
//   - success: an unhealthy bucket resets to the healthy sentinel (removed);
//     a healthy one is untouched and nothing is staged.
//   - plain failure: the failure counter increments; the fifth consecutive
//     failure applies the backoff transition and resets the counter.
func (e *Engine) RecordModelStatus(k *gateway.Key, baseID string, success, rateLimited bool, lastErr error, resetTime time.Time) {
	if k.Provider == nil {
		return
	}
	minMs := k.Provider.MinBackoffMs()
	maxMs := k.Provider.MaxBackoffMs()
	bucketKey := k.BucketKey(baseID)
	old := k.Throttle[bucketKey]

	var next *gateway.BucketState
	switch {
	case success:
		if old == nil || old.Healthy(minMs, e.now().UnixMilli()) {
			return // healthy no-op, nothing staged
		}
		next = &gateway.BucketState{CurrentBackoffMs: minMs}

	case rateLimited:
		next = e.backoff(old, minMs, maxMs)
		if !resetTime.IsZero() {
			if ms := resetTime.UnixMilli(); ms > next.Expiration {
				next.Expiration = ms
			}
		}
		next.LastError = errText(lastErr)

	default:
		failures := 1
		if old != nil {
			failures = old.ConsecutiveFailures + 1
		}
		if failures >= failureThreshold {
			// The fifth consecutive failure backs off like a rate limit
			// and resets the counter.
			next = e.backoff(old, minMs, maxMs)
		} else {
			next = &gateway.BucketState{CurrentBackoffMs: minMs, ConsecutiveFailures: failures}
			if old != nil {
				next.Expiration = old.Expiration
				next.CurrentBackoffMs = old.CurrentBackoffMs
			}
		}
		next.LastError = errText(lastErr)
	}

	if k.Throttle == nil {
		k.Throttle = gateway.ThrottleData{}
	}
	if success || next.Healthy(minMs, e.now().UnixMilli()) {
		// Healthy sentinel entries are equivalent to absent: compact the map.
		delete(k.Throttle, bucketKey)
	} else {
		k.Throttle[bucketKey] = next
	}

	e.stageThrottle(k)
}

// backoff computes the next rate-limit bucket: expiration now+d where d
// doubles from the minimum on each consecutive throttle, capped at maxMs.
// Failures reset to zero per the threshold rule.
func (e *Engine) backoff(old *gateway.BucketState, minMs, maxMs int64) *gateway.BucketState {
	d := minMs
	if old != nil && (old.Expiration > 0 || old.CurrentBackoffMs > minMs) {
		d = min(old.CurrentBackoffMs*2, maxMs)
	}
	if d > maxMs {
		d = maxMs
	}
	return &gateway.BucketState{
		Expiration:       e.now().UnixMilli() + d,
		CurrentBackoffMs: d,
	}
}

// stageThrottle serializes the key's throttle map into the pending batch.
// An empty map is staged as JSON null so the stored blob is cleared.
func (e *Engine) stageThrottle(k *gateway.Key) {
	var blob string
	if len(k.Throttle) == 0 {
		blob = "null"
	} else {
		b, err := json.Marshal(k.Throttle)
		if err != nil {
			slog.Error("marshal throttle data", "key", k.ID, "error", err)
			return
		}
		blob = string(b)
	}
	e.update(k.ID).ThrottleJSON = &blob
}

func (e *Engine) update(keyID string) *gateway.KeyUpdate {
	u := e.pending[keyID]
	if u == nil {
		u = &gateway.KeyUpdate{}
		e.pending[keyID] = u
	}
	return u
}

// PendingCount returns the number of keys with staged updates.
func (e *Engine) PendingCount() int { return len(e.pending) }

// CommitPending flushes all staged mutations: exactly one UpdateKey call per
// distinct key. The buffer is cleared even on partial failure so a retried
// commit cannot double-apply. Callers pass a context detached from request
// cancellation when commits must survive client disconnects.
func (e *Engine) CommitPending(ctx context.Context) error {
	var errs []error
	for id, upd := range e.pending {
		if upd.Empty() {
			continue
		}
		if err := e.store.UpdateKey(ctx, id, *upd); err != nil {
			errs = append(errs, err)
			slog.LogAttrs(ctx, slog.LevelError, "commit key update failed",
				slog.String("key", id),
				slog.String("error", err.Error()),
			)
		}
	}
	clear(e.pending)
	return errors.Join(errs...)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
