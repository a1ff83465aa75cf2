package keystore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

//go:embed schema.sql
var schemaSQL string

// PgxPool is the slice of *pgxpool.Pool the repository uses. pgxmock's
// pool satisfies it too.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// NewPool creates a pgx connection pool from dsn.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	return pool, nil
}

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	pool   PgxPool
	tracer trace.Tracer
}

// NewPostgres wraps pool.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool, tracer: otel.Tracer("keystore.postgres")}
}

// EnsureSchema creates the tables if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}

const listCandidatesSQL = `
SELECT c.id, c.name, c.secret, COALESCE(c.tenant_id, ''), c.provider, COALESCE(c.base_url, ''), c.priority, c.active,
       b.id, b.model, b.priority, b.enabled, b.usage_requests, b.usage_tokens, b.usage_window_start, b.exhausted_until,
       (SELECT max(e.retry_at) FROM exclusions e
         WHERE e.binding_id = b.id AND (e.tenant_id = '' OR e.tenant_id = $1)) AS excluded_until
FROM model_bindings b
JOIN credentials c ON c.id = b.credential_id
WHERE c.active AND b.enabled
  AND (c.tenant_id IS NULL OR c.tenant_id = $1)
  AND ($2::text = '' OR b.model = $2)
ORDER BY c.priority, b.priority, c.id, b.id`

// ListCandidates implements Store.
func (p *Postgres) ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	ctx, span := p.tracer.Start(ctx, "candidates.List", trace.WithAttributes(
		attribute.String("tenant_id", q.TenantID),
		attribute.String("model", q.Model),
	))
	defer span.End()

	rows, err := p.pool.Query(ctx, listCandidatesSQL, q.TenantID, q.Model)
	if err != nil {
		return nil, fmt.Errorf("op=candidates.list: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var excludedUntil *time.Time
		if err := rows.Scan(
			&c.Credential.ID, &c.Credential.Name, &c.Credential.Secret, &c.Credential.TenantID,
			&c.Credential.Provider, &c.Credential.BaseURL, &c.Credential.Priority, &c.Credential.Active,
			&c.Binding.ID, &c.Binding.Model, &c.Binding.Priority, &c.Binding.Enabled,
			&c.Binding.Usage.Requests, &c.Binding.Usage.Tokens, &c.Binding.Usage.WindowStart, &c.Binding.Usage.ExhaustedUntil,
			&excludedUntil,
		); err != nil {
			return nil, fmt.Errorf("op=candidates.list: scan: %w", err)
		}
		c.Binding.CredentialID = c.Credential.ID
		if excludedUntil != nil {
			c.ExcludedUntil = *excludedUntil
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=candidates.list: %w", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}

// GetCredential implements Store.
func (p *Postgres) GetCredential(ctx context.Context, id string) (Credential, error) {
	ctx, span := p.tracer.Start(ctx, "credentials.Get")
	defer span.End()

	q := `SELECT id, name, secret, COALESCE(tenant_id, ''), provider, COALESCE(base_url, ''), priority, active
FROM credentials WHERE id = $1`
	var c Credential
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.Name, &c.Secret, &c.TenantID, &c.Provider, &c.BaseURL, &c.Priority, &c.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, fmt.Errorf("op=credential.get: %w", ErrNotFound)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("op=credential.get: %w", err)
	}
	return c, nil
}

// DeactivateCredential implements Store.
func (p *Postgres) DeactivateCredential(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "credentials.Deactivate")
	defer span.End()

	q := `UPDATE credentials SET active = FALSE, updated_at = now() WHERE id = $1 AND active`
	if _, err := p.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=credential.deactivate: %w", err)
	}
	return nil
}

// UpsertExclusion implements Store. A second exclusion for the same
// (binding, tenant) replaces the first.
func (p *Postgres) UpsertExclusion(ctx context.Context, e Exclusion) error {
	ctx, span := p.tracer.Start(ctx, "exclusions.Upsert")
	defer span.End()

	q := `INSERT INTO exclusions (binding_id, tenant_id, reason, retry_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (binding_id, tenant_id) DO UPDATE SET reason = EXCLUDED.reason, retry_at = EXCLUDED.retry_at`
	if _, err := p.pool.Exec(ctx, q, e.BindingID, e.TenantID, e.Reason, e.RetryAt.UTC()); err != nil {
		return fmt.Errorf("op=exclusion.upsert: %w", err)
	}
	return nil
}

// DeleteExpiredExclusions implements Store.
func (p *Postgres) DeleteExpiredExclusions(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "exclusions.DeleteExpired")
	defer span.End()

	tag, err := p.pool.Exec(ctx, `DELETE FROM exclusions WHERE retry_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=exclusion.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkExhausted implements Store.
func (p *Postgres) MarkExhausted(ctx context.Context, bindingID string, until time.Time) error {
	ctx, span := p.tracer.Start(ctx, "bindings.MarkExhausted")
	defer span.End()

	q := `UPDATE model_bindings SET exhausted_until = $2 WHERE id = $1`
	if _, err := p.pool.Exec(ctx, q, bindingID, until.UTC()); err != nil {
		return fmt.Errorf("op=binding.mark_exhausted: %w", err)
	}
	return nil
}

// ClearStaleExhaustion implements Store.
func (p *Postgres) ClearStaleExhaustion(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "bindings.ClearStaleExhaustion")
	defer span.End()

	q := `UPDATE model_bindings SET exhausted_until = NULL WHERE exhausted_until IS NOT NULL AND exhausted_until < $1`
	tag, err := p.pool.Exec(ctx, q, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=binding.clear_exhaustion: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetUsage implements Store.
func (p *Postgres) GetUsage(ctx context.Context, bindingID string) (Usage, error) {
	ctx, span := p.tracer.Start(ctx, "bindings.GetUsage")
	defer span.End()

	q := `SELECT usage_requests, usage_tokens, usage_window_start, exhausted_until FROM model_bindings WHERE id = $1`
	var u Usage
	err := p.pool.QueryRow(ctx, q, bindingID).Scan(&u.Requests, &u.Tokens, &u.WindowStart, &u.ExhaustedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, fmt.Errorf("op=binding.get_usage: %w", ErrNotFound)
	}
	if err != nil {
		return Usage{}, fmt.Errorf("op=binding.get_usage: %w", err)
	}
	return u, nil
}

// SaveUsage implements Store.
func (p *Postgres) SaveUsage(ctx context.Context, bindingID string, u Usage) error {
	ctx, span := p.tracer.Start(ctx, "bindings.SaveUsage")
	defer span.End()

	q := `UPDATE model_bindings SET usage_requests = $2, usage_tokens = $3, usage_window_start = $4 WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, bindingID, u.Requests, u.Tokens, u.WindowStart.UTC())
	if err != nil {
		return fmt.Errorf("op=binding.save_usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=binding.save_usage: %w", ErrNotFound)
	}
	return nil
}

// GetPolicy implements Store.
func (p *Postgres) GetPolicy(ctx context.Context) (Policy, error) {
	ctx, span := p.tracer.Start(ctx, "policy.Get")
	defer span.End()

	q := `SELECT default_provider, failover_enabled, disabled_models FROM global_policy WHERE id = 1`
	var pol Policy
	err := p.pool.QueryRow(ctx, q).Scan(&pol.DefaultProvider, &pol.FailoverEnabled, &pol.DisabledModels)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("op=policy.get: %w", err)
	}
	return pol, nil
}

// SavePolicy implements Store.
func (p *Postgres) SavePolicy(ctx context.Context, pol Policy) error {
	ctx, span := p.tracer.Start(ctx, "policy.Save")
	defer span.End()

	disabled := pol.DisabledModels
	if disabled == nil {
		disabled = []string{}
	}
	q := `INSERT INTO global_policy (id, default_provider, failover_enabled, disabled_models, updated_at)
VALUES (1, $1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET default_provider = EXCLUDED.default_provider,
    failover_enabled = EXCLUDED.failover_enabled,
    disabled_models = EXCLUDED.disabled_models,
    updated_at = EXCLUDED.updated_at`
	if _, err := p.pool.Exec(ctx, q, pol.DefaultProvider, pol.FailoverEnabled, disabled); err != nil {
		return fmt.Errorf("op=policy.save: %w", err)
	}
	return nil
}

// GetTenantSettings implements Store.
func (p *Postgres) GetTenantSettings(ctx context.Context, tenantID string) (TenantSettings, error) {
	ctx, span := p.tracer.Start(ctx, "tenants.GetSettings")
	defer span.End()

	q := `SELECT preferred_provider, strict_provider, default_model FROM tenant_settings WHERE tenant_id = $1`
	s := TenantSettings{TenantID: tenantID}
	err := p.pool.QueryRow(ctx, q, tenantID).Scan(&s.PreferredProvider, &s.StrictProvider, &s.DefaultModel)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return TenantSettings{}, fmt.Errorf("op=tenant.get_settings: %w", err)
	}
	return s, nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
