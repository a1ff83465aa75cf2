// Package rotator picks the next credential out of a candidate list and
// trips circuit breakers when a credential fails.
//
// Every selection path goes through SelectNext, so a live breaker flag is
// checked at selection time on every request; nothing caches "available"
// across calls.
package rotator

import (
	"context"
	"log/slog"
	"time"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/state"
)

// Breaker keys. An authorization failure condemns the whole credential;
// anything else only the (credential, model) binding that failed.
const (
	credentialKeyPrefix = "cb:cred:"
	bindingKeyPrefix    = "cb:bind:"
)

// CredentialKey is the breaker key covering every model of a credential.
func CredentialKey(credentialID string) string {
	return credentialKeyPrefix + credentialID
}

// BindingKey is the breaker key covering one model of a credential.
func BindingKey(credentialID, model string) string {
	return bindingKeyPrefix + credentialID + ":" + model
}

// Rotator is safe for concurrent use; all shared state lives in the store.
type Rotator struct {
	store     state.Store
	cooldowns config.CooldownConfig
	logger    *slog.Logger
}

// New returns a Rotator backed by store.
func New(store state.Store, cooldowns config.CooldownConfig, logger *slog.Logger) *Rotator {
	return &Rotator{
		store:     store,
		cooldowns: cooldowns,
		logger:    logging.OrDefault(logger).With("component", "rotator"),
	}
}

// Available reports whether neither breaker covering c is set.
func (r *Rotator) Available(ctx context.Context, c keystore.Candidate) bool {
	if r.store.IsFlagged(ctx, CredentialKey(c.Credential.ID)) {
		return false
	}
	return !r.store.IsFlagged(ctx, BindingKey(c.Credential.ID, c.Binding.Model))
}

// SelectNext drops flagged candidates and returns the next one in
// rotation for scope. ok is false when every candidate is cooling down.
//
// The rotation counter is shared by every process selecting from the same
// scope, and the modulus is the size of the filtered list, so with no
// failures N candidates are visited in order 0, 1, ..., N-1, 0, ...
func (r *Rotator) SelectNext(ctx context.Context, scope string, candidates []keystore.Candidate) (keystore.Candidate, bool) {
	available := make([]keystore.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if r.Available(ctx, c) {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return keystore.Candidate{}, false
	}
	return available[r.store.NextIndex(ctx, scope, len(available))], true
}

// Cooldown maps a failure to a breaker duration. A server hint wins for
// the transient kinds but never exceeds the authorization cooldown.
// BadRequest is the caller's fault and yields zero.
func (r *Rotator) Cooldown(kind provider.Kind, hint time.Duration) time.Duration {
	var d time.Duration
	switch kind {
	case provider.KindRateLimited:
		d = r.cooldowns.RateLimit
	case provider.KindQuotaExceeded:
		d = r.cooldowns.Quota
	case provider.KindServerError:
		d = r.cooldowns.ServerError
	case provider.KindTimeout:
		d = r.cooldowns.Timeout
	case provider.KindUnauthorized:
		return r.cooldowns.Auth
	default:
		return 0
	}
	if hint > 0 {
		d = min(hint, r.cooldowns.Auth)
	}
	return d
}

// MarkFailed trips the breaker for c and returns the cooldown it set.
func (r *Rotator) MarkFailed(ctx context.Context, c keystore.Candidate, kind provider.Kind, hint time.Duration) time.Duration {
	cooldown := r.Cooldown(kind, hint)
	if cooldown <= 0 {
		return 0
	}

	key := BindingKey(c.Credential.ID, c.Binding.Model)
	if kind == provider.KindUnauthorized {
		key = CredentialKey(c.Credential.ID)
	}
	r.store.SetFlag(ctx, key, cooldown)
	metrics.Cooldowns.WithLabelValues(string(kind)).Inc()

	r.logger.Info("circuit breaker set",
		"credential_id", c.Credential.ID,
		"model", c.Binding.Model,
		"reason", kind,
		"cooldown", cooldown,
	)
	return cooldown
}

// RetryAfter returns how long until c leaves cooldown, zero when it is
// not cooling down.
func (r *Rotator) RetryAfter(ctx context.Context, c keystore.Candidate) time.Duration {
	return max(
		r.store.FlagTTL(ctx, CredentialKey(c.Credential.ID)),
		r.store.FlagTTL(ctx, BindingKey(c.Credential.ID, c.Binding.Model)),
	)
}
