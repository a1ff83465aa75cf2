// Package keystore is the durable side of credrouter: credentials, the
// models they may serve, exclusion records, the global policy and
// per-tenant settings.
//
// Two implementations satisfy Store: Postgres for real deployments and
// Memory for single-node development and tests.
package keystore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Provider tags. They match provider.Provider.Name().
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Credential is an API key plus the metadata used to choose it.
type Credential struct {
	ID       string
	Name     string
	Secret   string
	TenantID string // empty for credentials shared across tenants
	Provider string
	BaseURL  string // optional override of the provider default
	Priority int    // lower is preferred
	Active   bool
}

// Shared reports whether the credential belongs to the global pool.
func (c Credential) Shared() bool { return c.TenantID == "" }

// Usage is the accounting record kept per model binding.
type Usage struct {
	Requests       int64
	Tokens         int64
	WindowStart    time.Time
	ExhaustedUntil *time.Time // quota ban set after a quota failure; lapsed markers are swept
}

// Apply adds a delta to u. When the current window is older than window
// (or was never started) the counters restart from the delta.
func (u Usage) Apply(requests, tokens int64, now time.Time, window time.Duration) Usage {
	if u.WindowStart.IsZero() || (window > 0 && now.Sub(u.WindowStart) >= window) {
		u.Requests, u.Tokens, u.WindowStart = 0, 0, now
	}
	u.Requests += requests
	u.Tokens += tokens
	return u
}

// ModelBinding links a credential to one model it may serve.
type ModelBinding struct {
	ID           string
	CredentialID string
	Model        string
	Priority     int
	Enabled      bool
	Usage        Usage
}

// Candidate is one selectable (credential, model) pair as returned by
// ListCandidates.
type Candidate struct {
	Credential    Credential
	Binding       ModelBinding
	ExcludedUntil time.Time // latest live exclusion retry_at for the tenant, zero if none
}

// Excluded reports whether an exclusion record still bans the candidate.
func (c Candidate) Excluded(now time.Time) bool {
	return c.ExcludedUntil.After(now)
}

// Exhausted reports whether a quota marker still bans the candidate.
func (c Candidate) Exhausted(now time.Time) bool {
	until := c.Binding.Usage.ExhaustedUntil
	return until != nil && until.After(now)
}

// Exclusion is a time-boxed ban of a binding from selection. An empty
// TenantID bans the binding for every tenant.
type Exclusion struct {
	BindingID string
	TenantID  string
	Reason    string
	RetryAt   time.Time
}

// Policy is the tenant-independent routing configuration.
type Policy struct {
	DefaultProvider string
	FailoverEnabled bool
	DisabledModels  []string
}

// DefaultPolicy is what GetPolicy returns before anyone saved one.
func DefaultPolicy() Policy {
	return Policy{FailoverEnabled: true}
}

// ModelDisabled reports whether model has been phased out.
func (p Policy) ModelDisabled(model string) bool {
	for _, m := range p.DisabledModels {
		if m == model {
			return true
		}
	}
	return false
}

// TenantSettings are the routing preferences of one tenant. A tenant with
// no row gets the zero value with TenantID filled in.
type TenantSettings struct {
	TenantID          string
	PreferredProvider string
	StrictProvider    bool
	DefaultModel      string
}

// CandidateQuery scopes ListCandidates.
type CandidateQuery struct {
	TenantID string
	Model    string // empty means every model
}

// Key returns a stable identifier for caching query results.
func (q CandidateQuery) Key() string {
	return q.TenantID + "|" + q.Model
}

// Store is everything the router, the usage buffer and the sweeper need
// from durable storage.
type Store interface {
	// ListCandidates returns active credentials with enabled bindings in
	// the tenant's scope (its own credentials plus shared ones), ordered
	// by credential priority then binding priority. Exclusions and
	// exhaustion markers are reported, not filtered.
	ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	GetCredential(ctx context.Context, id string) (Credential, error)
	// DeactivateCredential is idempotent.
	DeactivateCredential(ctx context.Context, id string) error

	UpsertExclusion(ctx context.Context, e Exclusion) error
	DeleteExpiredExclusions(ctx context.Context, now time.Time) (int64, error)

	// MarkExhausted bans the binding until the given time.
	MarkExhausted(ctx context.Context, bindingID string, until time.Time) error
	// ClearStaleExhaustion removes markers that lapsed before the given time.
	ClearStaleExhaustion(ctx context.Context, before time.Time) (int64, error)

	GetUsage(ctx context.Context, bindingID string) (Usage, error)
	// SaveUsage writes the counters and window start. It leaves the
	// exhaustion marker alone.
	SaveUsage(ctx context.Context, bindingID string, u Usage) error

	GetPolicy(ctx context.Context) (Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
	GetTenantSettings(ctx context.Context, tenantID string) (TenantSettings, error)

	Ping(ctx context.Context) error
}
