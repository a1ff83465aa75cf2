// Package router is the request-time entry point: it resolves the routing
// policy, fetches candidates, lets the rotator pick one, calls the
// provider, and on failure records the consequence and tries the next
// candidate until one succeeds or none are left.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/policy"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/rotator"
)

// ErrNoCandidates means nothing is configured for the requested scope at
// all. It is a setup problem, unlike exhaustion, which is a Result.
var ErrNoCandidates = errors.New("no credentials configured for this scope")

// UsageRecorder receives one call per successful request.
type UsageRecorder interface {
	RecordUsage(bindingID string, tokens int64)
}

// Options tune a single SelectAndExecute call.
type Options struct {
	// Provider overrides the tenant's and the global preferred provider.
	Provider string
	// StrictProvider disables failover for this call only.
	StrictProvider bool

	Messages  []provider.Message
	MaxTokens int
}

// Result is the outcome of a call that did not fail outright. Exactly one
// of Response and Exhausted is set.
type Result struct {
	Response     *provider.Response
	CredentialID string
	BindingID    string
	Provider     string
	Model        string
	Attempts     int

	// Exhausted means every candidate is cooling down, excluded, or
	// failed during this call. RetryAfter estimates when the first one
	// comes back; zero when unknown.
	Exhausted  bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r *Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Deps are the collaborators a Router needs. All are required.
type Deps struct {
	Keys      keystore.Store
	Cache     *policy.Cache
	Rotator   *rotator.Rotator
	Providers provider.Builder
	Usage     UsageRecorder
	Logger    *slog.Logger
}

// Router is safe for concurrent use. One is built per process and handed
// to the HTTP layer.
type Router struct {
	keys      keystore.Store
	cache     *policy.Cache
	rotator   *rotator.Rotator
	providers provider.Builder
	usage     UsageRecorder
	cfg       config.RouterConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New builds a Router.
func New(cfg *config.Config, d Deps) *Router {
	return &Router{
		keys:      d.Keys,
		cache:     d.Cache,
		rotator:   d.Rotator,
		providers: d.Providers,
		usage:     d.Usage,
		cfg:       cfg.Router,
		logger:    logging.OrDefault(d.Logger).With("component", "router"),
		tracer:    otel.Tracer("router"),
		now:       time.Now,
	}
}

// resolved is the outcome of the policy step for one call.
type resolved struct {
	model     string
	preferred string
	failover  bool
	policy    keystore.Policy
}

func (r *Router) resolve(ctx context.Context, tenantID, modelHint string, opts Options) (resolved, error) {
	pol, err := r.cache.Policy(ctx)
	if err != nil {
		return resolved{}, err
	}
	ts, err := r.cache.TenantSettings(ctx, tenantID)
	if err != nil {
		return resolved{}, err
	}
	return resolved{
		model:     cmp.Or(modelHint, ts.DefaultModel),
		preferred: cmp.Or(opts.Provider, ts.PreferredProvider, pol.DefaultProvider),
		failover:  pol.FailoverEnabled && !opts.StrictProvider && !ts.StrictProvider,
		policy:    pol,
	}, nil
}

// SelectAndExecute serves one generation request for tenantID. modelHint
// may be empty, in which case the tenant's default model is used, or any
// model when the tenant has none.
//
// A nil error comes with either a response or an exhausted Result.
// Errors are ErrNoCandidates, a BadRequest *provider.Error the caller
// should surface as a client error, a keystore failure, or ctx.Err().
func (r *Router) SelectAndExecute(ctx context.Context, tenantID, modelHint string, opts Options) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.SelectAndExecute", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("model_hint", modelHint),
	))
	defer span.End()

	res, outcome, err := r.selectAndExecute(ctx, tenantID, modelHint, opts)
	metrics.Selections.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (r *Router) selectAndExecute(ctx context.Context, tenantID, modelHint string, opts Options) (*Result, string, error) {
	logger := logging.Component(ctx, r.logger, "router").With("tenant_id", tenantID)

	// RESOLVE_POLICY
	rp, err := r.resolve(ctx, tenantID, modelHint, opts)
	if err != nil {
		return nil, "error", err
	}

	// FETCH_CANDIDATES
	all, err := r.cache.Candidates(ctx, keystore.CandidateQuery{TenantID: tenantID, Model: rp.model})
	if err != nil {
		return nil, "error", err
	}
	configured := r.eligible(all, rp)
	if len(configured) == 0 {
		return nil, "no_candidates", fmt.Errorf("tenant %q model %q provider %q: %w", tenantID, rp.model, rp.preferred, ErrNoCandidates)
	}

	now := r.now()
	remaining := make([]keystore.Candidate, 0, len(configured))
	for _, c := range configured {
		if !c.Excluded(now) && !c.Exhausted(now) {
			remaining = append(remaining, c)
		}
	}

	// SELECT / EXECUTE
	attempts := 0
	for len(remaining) > 0 && (r.cfg.MaxAttempts == 0 || attempts < r.cfg.MaxAttempts) {
		tier := firstTier(remaining, rp.preferred)
		cand, ok := r.rotator.SelectNext(ctx, scopeKey(tenantID, rp.model, rp.preferred, tier), tier)
		if !ok {
			// The whole tier is cooling down; fall through to the next.
			remaining = without(remaining, func(c keystore.Candidate) bool { return sameTier(c, tier[0], rp.preferred) })
			continue
		}

		attempts++
		resp, err := r.execute(ctx, cand, opts)
		if err == nil {
			r.usage.RecordUsage(cand.Binding.ID, int64(resp.Usage.Total()))
			return &Result{
				Response:     resp,
				CredentialID: cand.Credential.ID,
				BindingID:    cand.Binding.ID,
				Provider:     cand.Credential.Provider,
				Model:        cand.Binding.Model,
				Attempts:     attempts,
			}, "success", nil
		}

		// The caller gave up; nothing about this failure is the
		// credential's fault.
		if ctx.Err() != nil {
			return nil, "cancelled", ctx.Err()
		}

		pe, ok := provider.AsError(err)
		if !ok {
			logger.Error("candidate unusable", "credential_id", cand.Credential.ID, "error", err)
			remaining = without(remaining, sameBinding(cand))
			continue
		}

		logger.Warn("provider call failed",
			"credential_id", cand.Credential.ID,
			"provider", cand.Credential.Provider,
			"model", cand.Binding.Model,
			"kind", pe.Kind,
			"status", pe.HTTPStatus,
			"code", pe.ProviderCode,
		)

		switch pe.Kind {
		case provider.KindBadRequest:
			return nil, "client_error", err
		case provider.KindUnauthorized:
			r.deactivate(ctx, logger, cand)
			remaining = without(remaining, func(c keystore.Candidate) bool { return c.Credential.ID == cand.Credential.ID })
		default:
			r.coolDown(ctx, logger, tenantID, cand, pe)
			remaining = without(remaining, sameBinding(cand))
		}
	}

	// EXHAUSTED
	retryAfter := r.retryAfter(ctx, configured)
	logger.Warn("all candidates exhausted",
		"model", rp.model,
		"candidates", len(configured),
		"attempts", attempts,
		"retry_after", retryAfter,
	)
	return &Result{Exhausted: true, RetryAfter: retryAfter, Attempts: attempts}, "exhausted", nil
}

// eligible applies the static filters: phased-out models and, when
// failover is off, the provider restriction.
func (r *Router) eligible(all []keystore.Candidate, rp resolved) []keystore.Candidate {
	out := make([]keystore.Candidate, 0, len(all))
	for _, c := range all {
		if !c.Credential.Active || !c.Binding.Enabled || rp.policy.ModelDisabled(c.Binding.Model) {
			continue
		}
		if !rp.failover && rp.preferred != "" && c.Credential.Provider != rp.preferred {
			continue
		}
		out = append(out, c)
	}
	return out
}

// execute runs one provider call under the per-call deadline.
func (r *Router) execute(ctx context.Context, cand keystore.Candidate, opts Options) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("credential_id", cand.Credential.ID),
		attribute.String("provider", cand.Credential.Provider),
		attribute.String("model", cand.Binding.Model),
	))
	defer span.End()

	p, err := r.providers.New(cand.Credential)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Generate(callCtx, &provider.Request{
		Model:     cand.Binding.Model,
		Messages:  opts.Messages,
		MaxTokens: opts.MaxTokens,
	})
	metrics.ProviderLatency.WithLabelValues(cand.Credential.Provider).Observe(time.Since(start).Seconds())

	kind := "ok"
	if err != nil {
		kind = string(provider.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	metrics.Attempts.WithLabelValues(cand.Credential.Provider, kind).Inc()
	return resp, err
}

// deactivate handles an authorization failure: the credential is switched
// off for good and its breaker covers the window before every process
// has reloaded its candidates.
func (r *Router) deactivate(ctx context.Context, logger *slog.Logger, cand keystore.Candidate) {
	r.rotator.MarkFailed(ctx, cand, provider.KindUnauthorized, 0)
	if err := r.keys.DeactivateCredential(ctx, cand.Credential.ID); err != nil {
		logger.Error("deactivating credential", "credential_id", cand.Credential.ID, "error", err)
		return
	}
	metrics.Deactivations.Inc()
	r.cache.Bump(ctx)
	logger.Warn("credential deactivated", "credential_id", cand.Credential.ID, "name", cand.Credential.Name)
}

// coolDown handles a retryable failure. Rate limits and quota failures
// also leave a durable exclusion record, and quota failures mark the
// binding exhausted. All three bans share the same cooldown.
func (r *Router) coolDown(ctx context.Context, logger *slog.Logger, tenantID string, cand keystore.Candidate, pe *provider.Error) {
	cooldown := r.rotator.MarkFailed(ctx, cand, pe.Kind, pe.RetryAfter)
	if pe.Kind != provider.KindRateLimited && pe.Kind != provider.KindQuotaExceeded {
		return
	}

	now := r.now()
	changed := false
	err := r.keys.UpsertExclusion(ctx, keystore.Exclusion{
		BindingID: cand.Binding.ID,
		Reason:    string(pe.Kind),
		RetryAt:   now.Add(cooldown),
	})
	if err != nil {
		logger.Error("writing exclusion", "binding_id", cand.Binding.ID, "error", err)
	} else {
		changed = true
	}

	if pe.Kind == provider.KindQuotaExceeded {
		if err := r.keys.MarkExhausted(ctx, cand.Binding.ID, now.Add(cooldown)); err != nil {
			logger.Error("marking binding exhausted", "binding_id", cand.Binding.ID, "error", err)
		} else {
			changed = true
		}
	}
	if changed {
		r.cache.Bump(ctx)
	}
}

// retryAfter is the shortest wait among candidates that are known to come
// back: breaker TTLs, exclusion retry times and exhaustion markers.
func (r *Router) retryAfter(ctx context.Context, candidates []keystore.Candidate) time.Duration {
	now := r.now()
	var best time.Duration
	for _, c := range candidates {
		wait := r.rotator.RetryAfter(ctx, c)
		if c.Excluded(now) {
			wait = max(wait, c.ExcludedUntil.Sub(now))
		}
		if c.Exhausted(now) {
			wait = max(wait, c.Binding.Usage.ExhaustedUntil.Sub(now))
		}
		if wait > 0 && (best == 0 || wait < best) {
			best = wait
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// Tiers
// ---------------------------------------------------------------------------

// Candidates are tried tier by tier: the preferred provider first, then by
// credential priority. Within a tier the rotator spreads load round-robin.

func sameTier(a, b keystore.Candidate, preferred string) bool {
	return (a.Credential.Provider == preferred) == (b.Credential.Provider == preferred) &&
		a.Credential.Priority == b.Credential.Priority
}

// firstTier returns the best tier present in candidates, in list order.
func firstTier(candidates []keystore.Candidate, preferred string) []keystore.Candidate {
	best := slices.MinFunc(candidates, func(a, b keystore.Candidate) int {
		ap, bp := a.Credential.Provider == preferred, b.Credential.Provider == preferred
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Credential.Priority, b.Credential.Priority)
	})
	var tier []keystore.Candidate
	for _, c := range candidates {
		if sameTier(c, best, preferred) {
			tier = append(tier, c)
		}
	}
	return tier
}

// scopeKey names the round-robin counter of a tier.
func scopeKey(tenantID, model, preferred string, tier []keystore.Candidate) string {
	c := tier[0]
	group := "any"
	if c.Credential.Provider == preferred {
		group = "preferred:" + preferred
	}
	return fmt.Sprintf("%s|%s|%s|%d", tenantID, model, group, c.Credential.Priority)
}

func sameBinding(cand keystore.Candidate) func(keystore.Candidate) bool {
	return func(c keystore.Candidate) bool {
		return c.Credential.ID == cand.Credential.ID && c.Binding.ID == cand.Binding.ID
	}
}

func without(list []keystore.Candidate, drop func(keystore.Candidate) bool) []keystore.Candidate {
	return slices.DeleteFunc(list, drop)
}
