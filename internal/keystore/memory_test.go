package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageApply(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("first write opens a window", func(t *testing.T) {
		u := Usage{}.Apply(1, 100, start, 24*time.Hour)
		assert.Equal(t, Usage{Requests: 1, Tokens: 100, WindowStart: start}, u)
	})

	t.Run("inside the window accumulates", func(t *testing.T) {
		u := Usage{Requests: 5, Tokens: 500, WindowStart: start}.Apply(2, 20, start.Add(time.Hour), 24*time.Hour)
		assert.Equal(t, int64(7), u.Requests)
		assert.Equal(t, int64(520), u.Tokens)
		assert.Equal(t, start, u.WindowStart)
	})

	t.Run("expired window restarts", func(t *testing.T) {
		later := start.Add(25 * time.Hour)
		u := Usage{Requests: 5, Tokens: 500, WindowStart: start}.Apply(2, 20, later, 24*time.Hour)
		assert.Equal(t, Usage{Requests: 2, Tokens: 20, WindowStart: later}, u)
	})
}

func TestPolicyModelDisabled(t *testing.T) {
	p := Policy{DisabledModels: []string{"gemini-1.0-pro"}}
	assert.True(t, p.ModelDisabled("gemini-1.0-pro"))
	assert.False(t, p.ModelDisabled("gemini-2.0-flash"))
}

func seedMemory(t *testing.T) (*Memory, Credential, Credential, ModelBinding, ModelBinding) {
	t.Helper()
	m := NewMemory()
	shared := m.AddCredential(Credential{Name: "shared", Secret: "sk-1", Provider: ProviderGoogle, Priority: 10, Active: true})
	own := m.AddCredential(Credential{Name: "own", Secret: "sk-2", Provider: ProviderOpenAI, TenantID: "t1", Priority: 20, Active: true})
	m.AddCredential(Credential{Name: "other tenant", Secret: "sk-3", Provider: ProviderOpenAI, TenantID: "t2", Active: true})

	b1 := m.AddBinding(ModelBinding{CredentialID: shared.ID, Model: "m1", Priority: 1, Enabled: true})
	b2 := m.AddBinding(ModelBinding{CredentialID: own.ID, Model: "m1", Priority: 1, Enabled: true})
	m.AddBinding(ModelBinding{CredentialID: own.ID, Model: "m2", Priority: 1, Enabled: false})
	return m, shared, own, b1, b2
}

func TestMemory_ListCandidatesScope(t *testing.T) {
	m, shared, own, _, _ := seedMemory(t)
	ctx := context.Background()

	got, err := m.ListCandidates(ctx, CandidateQuery{TenantID: "t1", Model: "m1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, shared.ID, got[0].Credential.ID, "lower priority value sorts first")
	assert.Equal(t, own.ID, got[1].Credential.ID)

	got, err = m.ListCandidates(ctx, CandidateQuery{TenantID: "t3"})
	require.NoError(t, err)
	require.Len(t, got, 1, "other tenants only see shared credentials")
	assert.Equal(t, shared.ID, got[0].Credential.ID)
}

func TestMemory_DeactivateRemovesCandidate(t *testing.T) {
	m, shared, _, _, _ := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, m.DeactivateCredential(ctx, shared.ID))
	require.NoError(t, m.DeactivateCredential(ctx, shared.ID))

	got, err := m.ListCandidates(ctx, CandidateQuery{TenantID: "t1", Model: "m1"})
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, shared.ID, c.Credential.ID)
	}
}

func TestMemory_Exclusions(t *testing.T) {
	m, _, _, b1, _ := seedMemory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.UpsertExclusion(ctx, Exclusion{BindingID: b1.ID, TenantID: "t1", Reason: "rate_limited", RetryAt: now.Add(time.Minute)}))
	require.NoError(t, m.UpsertExclusion(ctx, Exclusion{BindingID: b1.ID, Reason: "quota", RetryAt: now.Add(-time.Second)}))

	got, err := m.ListCandidates(ctx, CandidateQuery{TenantID: "t1", Model: "m1"})
	require.NoError(t, err)
	assert.True(t, got[0].Excluded(now))

	got, err = m.ListCandidates(ctx, CandidateQuery{TenantID: "t9", Model: "m1"})
	require.NoError(t, err)
	assert.False(t, got[0].Excluded(now), "tenant-specific exclusions do not leak to other tenants")

	n, err := m.DeleteExpiredExclusions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_UsageAndExhaustion(t *testing.T) {
	m, _, _, b1, _ := seedMemory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.MarkExhausted(ctx, b1.ID, now.Add(-2*time.Hour)))
	require.NoError(t, m.SaveUsage(ctx, b1.ID, Usage{Requests: 3, Tokens: 30, WindowStart: now}))

	u, err := m.GetUsage(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.Requests)
	require.NotNil(t, u.ExhaustedUntil, "SaveUsage leaves the exhaustion marker alone")

	n, err := m.ClearStaleExhaustion(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	u, err = m.GetUsage(ctx, b1.ID)
	require.NoError(t, err)
	assert.Nil(t, u.ExhaustedUntil)

	_, err = m.GetUsage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidate_Exhausted(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Second)
	c := Candidate{Binding: ModelBinding{Usage: Usage{ExhaustedUntil: &until}}}

	assert.True(t, c.Exhausted(now))
	assert.True(t, c.Exhausted(now.Add(29*time.Second)))
	assert.False(t, c.Exhausted(now.Add(30*time.Second)), "the ban ends at its deadline")
	assert.False(t, Candidate{}.Exhausted(now))
}

func TestMemory_PolicyAndTenants(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p, err := m.GetPolicy(ctx)
	require.NoError(t, err)
	assert.True(t, p.FailoverEnabled)

	require.NoError(t, m.SavePolicy(ctx, Policy{DefaultProvider: ProviderAnthropic}))
	p, err = m.GetPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p.DefaultProvider)
	assert.False(t, p.FailoverEnabled)

	s, err := m.GetTenantSettings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TenantSettings{TenantID: "t1"}, s)

	m.SetTenantSettings(TenantSettings{TenantID: "t1", DefaultModel: "m1"})
	s, err = m.GetTenantSettings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "m1", s.DefaultModel)
}
