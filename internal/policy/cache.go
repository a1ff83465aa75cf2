// Package policy caches the routing configuration the selection loop reads
// on every request: the global policy, per-tenant settings and candidate
// lists ordered by priority.
//
// Entries expire after a short TTL. Across processes, staleness is
// detected through the configuration version watermark in the state
// store: anything that changes what selection should see bumps it, and
// every process polls it and drops its local entries when it moves.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/state"
)

const (
	policyKey          = "policy"
	tenantKeyPrefix    = "tenant:"
	candidateKeyPrefix = "candidates:"
)

// Cache is a read-through cache over the keystore.
type Cache struct {
	keys   keystore.Store
	state  state.Store
	cache  *gocache.Cache
	logger *slog.Logger

	mu   sync.Mutex
	seen int64 // last watermark this process acted on
}

// New returns a Cache whose entries live for ttl.
func New(keys keystore.Store, st state.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		keys:   keys,
		state:  st,
		cache:  gocache.New(ttl, ttl*2),
		logger: logging.OrDefault(logger).With("component", "policy_cache"),
	}
}

// Policy returns the global policy.
func (c *Cache) Policy(ctx context.Context) (keystore.Policy, error) {
	if v, ok := c.cache.Get(policyKey); ok {
		if p, ok := v.(keystore.Policy); ok {
			return p, nil
		}
	}
	p, err := c.keys.GetPolicy(ctx)
	if err != nil {
		return keystore.Policy{}, fmt.Errorf("loading policy: %w", err)
	}
	c.cache.Set(policyKey, p, gocache.DefaultExpiration)
	return p, nil
}

// TenantSettings returns the routing preferences of one tenant.
func (c *Cache) TenantSettings(ctx context.Context, tenantID string) (keystore.TenantSettings, error) {
	key := tenantKeyPrefix + tenantID
	if v, ok := c.cache.Get(key); ok {
		if s, ok := v.(keystore.TenantSettings); ok {
			return s, nil
		}
	}
	s, err := c.keys.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return keystore.TenantSettings{}, fmt.Errorf("loading tenant settings: %w", err)
	}
	c.cache.Set(key, s, gocache.DefaultExpiration)
	return s, nil
}

// Candidates returns the candidate list for q, ordered by priority. The
// caller owns the returned slice.
//
// Only the durable view is cached. Circuit breakers are checked by the
// rotator on every selection, never from here.
func (c *Cache) Candidates(ctx context.Context, q keystore.CandidateQuery) ([]keystore.Candidate, error) {
	key := candidateKeyPrefix + q.Key()
	if v, ok := c.cache.Get(key); ok {
		if list, ok := v.([]keystore.Candidate); ok {
			return slices.Clone(list), nil
		}
	}
	list, err := c.keys.ListCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	c.cache.Set(key, list, gocache.DefaultExpiration)
	return slices.Clone(list), nil
}

// Invalidate drops every local entry.
func (c *Cache) Invalidate(trigger string) {
	c.cache.Flush()
	metrics.CacheInvalidations.WithLabelValues(trigger).Inc()
}

// Bump advances the shared watermark and clears the local cache, so this
// process sees its own change at once and the others within one poll.
func (c *Cache) Bump(ctx context.Context) {
	v := c.state.BumpVersion(ctx)
	c.mu.Lock()
	if v > c.seen {
		c.seen = v
	}
	c.mu.Unlock()
	c.Invalidate("local")
}

// UpdatePolicy saves p and propagates the change.
func (c *Cache) UpdatePolicy(ctx context.Context, p keystore.Policy) error {
	if err := c.keys.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("saving policy: %w", err)
	}
	c.Bump(ctx)
	return nil
}

// Refresh reads the watermark once and clears the local cache if another
// process advanced it. It reports whether it cleared.
func (c *Cache) Refresh(ctx context.Context) bool {
	v, ok := c.state.Version(ctx)
	if !ok {
		return false
	}

	c.mu.Lock()
	changed := v != c.seen
	c.seen = v
	c.mu.Unlock()

	if changed {
		c.Invalidate("watermark")
		c.logger.Debug("configuration version changed", "version", v)
	}
	return changed
}

// Watch polls the watermark every interval until ctx is cancelled.
func (c *Cache) Watch(ctx context.Context, interval time.Duration) {
	c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}
