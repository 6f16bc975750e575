package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// SweepStore is the persistence interface consumed by ThrottleSweeper.
type SweepStore interface {
	ListThrottledKeys(ctx context.Context) ([]*gateway.Key, error)
	UpdateKey(ctx context.Context, id string, upd gateway.KeyUpdate) error
}

// ThrottleSweeper periodically compacts persisted throttle state. The engine
// compacts a key's buckets on the commit path, but a key that stops being
// selected keeps its last blob forever; the sweeper rewrites those at rest so
// throttle_data stays proportional to live backoff state.
type ThrottleSweeper struct {
	store    SweepStore
	interval time.Duration
	now      func() time.Time
}

// NewThrottleSweeper creates a ThrottleSweeper with the given sweep interval.
func NewThrottleSweeper(store SweepStore, interval time.Duration) *ThrottleSweeper {
	return &ThrottleSweeper{store: store, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (w *ThrottleSweeper) Name() string { return "throttle_sweep" }

// Run sweeps once at startup, then on every tick until ctx is cancelled.
func (w *ThrottleSweeper) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ThrottleSweeper) sweep(ctx context.Context) {
	keys, err := w.store.ListThrottledKeys(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "throttle sweep: list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	nowMs := w.now().UnixMilli()
	swept := 0
	for _, k := range keys {
		upd, changed := compact(k, nowMs)
		if !changed {
			continue
		}
		if err := w.store.UpdateKey(ctx, k.ID, upd); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "throttle sweep: update failed",
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "throttle sweep compacted keys",
			slog.Int("keys", swept),
		)
	}
}

// compact drops buckets that carry no information. Healthy sentinels and
// long-expired buckets go; buckets still inside their backoff window, or
// expired recently enough that the doubling sequence should survive a quiet
// period, are kept.
func compact(k *gateway.Key, nowMs int64) (gateway.KeyUpdate, bool) {
	minMs, maxMs := int64(60_000), int64(60_000)
	if k.Provider != nil {
		minMs, maxMs = k.Provider.MinBackoffMs(), k.Provider.MaxBackoffMs()
	}

	kept := make(gateway.ThrottleData, len(k.Throttle))
	for bucket, st := range k.Throttle {
		if stale(st, minMs, maxMs, nowMs) {
			continue
		}
		kept[bucket] = st
	}
	if len(kept) == len(k.Throttle) {
		return gateway.KeyUpdate{}, false
	}

	if len(kept) == 0 {
		null := "null"
		return gateway.KeyUpdate{ThrottleJSON: &null}, true
	}
	blob, err := json.Marshal(kept)
	if err != nil {
		return gateway.KeyUpdate{}, false
	}
	s := string(blob)
	return gateway.KeyUpdate{ThrottleJSON: &s}, true
}

func stale(b *gateway.BucketState, minMs, maxMs, nowMs int64) bool {
	if b.Healthy(minMs, nowMs) {
		return true
	}
	if b.Expiration == 0 || b.Expiration > nowMs {
		return false
	}
	// Failure memory decays after a full max-backoff of quiet time.
	return nowMs-b.Expiration > maxMs
}
