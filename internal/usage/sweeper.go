package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/state"
)

const sweepLock = "sweeper"

// Invalidator is told when the sweeper changed what selection would see.
// policy.Cache satisfies it.
type Invalidator interface {
	Bump(ctx context.Context)
}

// Sweeper deletes expired exclusion records and clears exhaustion markers
// that lapsed more than staleAfter ago. A lapsed marker no longer bans
// anything; clearing it keeps the binding rows tidy.
type Sweeper struct {
	keys        keystore.Store
	state       state.Store
	invalidator Invalidator
	interval    time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewSweeper returns a Sweeper. invalidator may be nil.
func NewSweeper(keys keystore.Store, st state.Store, invalidator Invalidator, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		keys:        keys,
		state:       st,
		invalidator: invalidator,
		interval:    interval,
		staleAfter:  staleAfter,
		logger:      logging.OrDefault(logger).With("component", "sweeper"),
		now:         time.Now,
	}
}

// Sweep runs one pass and reports how many rows it cleared.
func (s *Sweeper) Sweep(ctx context.Context) (exclusions, markers int64, err error) {
	now := s.now()

	exclusions, err = s.keys.DeleteExpiredExclusions(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting expired exclusions: %w", err)
	}
	markers, err = s.keys.ClearStaleExhaustion(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return exclusions, 0, fmt.Errorf("clearing stale exhaustion: %w", err)
	}

	metrics.SweepDeleted.WithLabelValues("exclusion").Add(float64(exclusions))
	metrics.SweepDeleted.WithLabelValues("exhaustion").Add(float64(markers))

	// Only cleared markers change the rows behind candidate lists: expired
	// exclusions were already ignored at selection time.
	if markers > 0 && s.invalidator != nil {
		s.invalidator.Bump(ctx)
	}
	return exclusions, markers, nil
}

// Run sweeps every interval until ctx is cancelled. The sweep lease is
// left to expire rather than released, so across the fleet roughly one
// process sweeps per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.state.AcquireLock(ctx, sweepLock, s.interval/2) {
				continue
			}
			exclusions, markers, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if exclusions > 0 || markers > 0 {
				s.logger.Info("sweep cleared rows", "exclusions", exclusions, "exhaustion_markers", markers)
			}
		}
	}
}
