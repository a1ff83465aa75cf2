// Package usage accumulates per-binding request and token counts in memory
// and folds them into the keystore on a timer, plus the sweeper that
// clears expired exclusions and stale exhaustion markers.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/state"
)

// lockResource namespaces the per-binding accounting lock.
const lockResource = "usage:"

var errLockBusy = errors.New("usage lock held elsewhere")

type delta struct {
	requests int64
	tokens   int64
}

// FlushStats summarizes one Flush.
type FlushStats struct {
	Written int // entries merged into the keystore
	Dropped int // lock never acquired, or the binding no longer exists
	Failed  int // keystore errors; these go back into the buffer
}

// Buffer is the write-behind accumulator. RecordUsage never touches the
// network; Flush does all the I/O.
type Buffer struct {
	keys   keystore.Store
	state  state.Store
	cfg    config.UsageConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]delta
}

// NewBuffer returns an empty Buffer.
func NewBuffer(keys keystore.Store, st state.Store, cfg config.UsageConfig, logger *slog.Logger) *Buffer {
	return &Buffer{
		keys:    keys,
		state:   st,
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With("component", "usage_buffer"),
		now:     time.Now,
		pending: make(map[string]delta),
	}
}

// RecordUsage counts one request and tokens for a binding.
func (b *Buffer) RecordUsage(bindingID string, tokens int64) {
	b.add(bindingID, delta{requests: 1, tokens: tokens})
}

func (b *Buffer) add(bindingID string, d delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.pending[bindingID]
	cur.requests += d.requests
	cur.tokens += d.tokens
	b.pending[bindingID] = cur
}

// Pending returns the number of bindings with unflushed counts.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// swap hands the current map to the caller and installs an empty one.
// Inserts racing with a flush land in the new map and are never lost.
func (b *Buffer) swap() map[string]delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.pending
	b.pending = make(map[string]delta, len(snapshot))
	return snapshot
}

// Flush merges every pending entry into the keystore. Each entry is
// written under the binding's distributed lock; an entry whose lock stays
// busy for usage.lock_wait is dropped with a warning.
func (b *Buffer) Flush(ctx context.Context) FlushStats {
	var stats FlushStats
	for bindingID, d := range b.swap() {
		switch err := b.flushOne(ctx, bindingID, d); {
		case err == nil:
			stats.Written++
			metrics.UsageFlushes.WithLabelValues("written").Inc()
		case errors.Is(err, errLockBusy):
			stats.Dropped++
			metrics.UsageFlushes.WithLabelValues("dropped").Inc()
			b.logger.Warn("dropping usage entry, lock busy",
				"binding_id", bindingID, "requests", d.requests, "tokens", d.tokens)
		case errors.Is(err, keystore.ErrNotFound):
			stats.Dropped++
			metrics.UsageFlushes.WithLabelValues("dropped").Inc()
			b.logger.Debug("dropping usage entry for deleted binding", "binding_id", bindingID)
		default:
			stats.Failed++
			metrics.UsageFlushes.WithLabelValues("error").Inc()
			b.logger.Error("usage flush failed, requeueing", "binding_id", bindingID, "error", err)
			b.add(bindingID, d)
		}
	}
	return stats
}

func (b *Buffer) flushOne(ctx context.Context, bindingID string, d delta) error {
	resource := lockResource + bindingID
	if err := b.acquire(ctx, resource); err != nil {
		return err
	}
	defer b.state.ReleaseLock(context.WithoutCancel(ctx), resource)

	u, err := b.keys.GetUsage(ctx, bindingID)
	if err != nil {
		return err
	}
	return b.keys.SaveUsage(ctx, bindingID, u.Apply(d.requests, d.tokens, b.now(), b.cfg.Window))
}

// acquire retries the non-blocking lock with exponential backoff until
// usage.lock_wait has elapsed.
func (b *Buffer) acquire(ctx context.Context, resource string) error {
	// A zero MaxElapsedTime would retry forever.
	if b.cfg.LockWait <= 0 {
		if b.state.AcquireLock(ctx, resource, b.cfg.LockLease) {
			return nil
		}
		return errLockBusy
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = b.cfg.LockWait

	return backoff.Retry(func() error {
		if b.state.AcquireLock(ctx, resource, b.cfg.LockLease) {
			return nil
		}
		return errLockBusy
	}, backoff.WithContext(bo, ctx))
}

// Run flushes every usage.flush_interval until ctx is cancelled, then
// performs one last flush so counts buffered at shutdown are kept.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stats := b.Flush(ctx); stats != (FlushStats{}) {
				b.logger.Debug("usage flushed",
					"written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FlushInterval)
			stats := b.Flush(final)
			cancel()
			b.logger.Info("usage buffer stopped",
				"written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
			return
		}
	}
}
