package keystore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It is what a single node runs with when
// no Postgres DSN is configured, and what the router tests build on.
type Memory struct {
	mu         sync.RWMutex
	creds      map[string]Credential
	bindings   map[string]ModelBinding
	exclusions map[string]Exclusion // key: binding id + "|" + tenant id
	policy     Policy
	tenants    map[string]TenantSettings
}

// NewMemory returns an empty store with the default policy.
func NewMemory() *Memory {
	return &Memory{
		creds:      make(map[string]Credential),
		bindings:   make(map[string]ModelBinding),
		exclusions: make(map[string]Exclusion),
		policy:     DefaultPolicy(),
		tenants:    make(map[string]TenantSettings),
	}
}

// AddCredential stores c, assigning an id when it has none.
func (m *Memory) AddCredential(c Credential) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.creds[c.ID] = c
	return c
}

// AddBinding stores b, assigning an id when it has none.
func (m *Memory) AddBinding(b ModelBinding) ModelBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	m.bindings[b.ID] = b
	return b
}

// SetTenantSettings stores s.
func (m *Memory) SetTenantSettings(s TenantSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[s.TenantID] = s
}

// ListCandidates implements Store.
func (m *Memory) ListCandidates(_ context.Context, q CandidateQuery) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candidate
	for _, b := range m.bindings {
		c, ok := m.creds[b.CredentialID]
		if !ok || !c.Active || !b.Enabled {
			continue
		}
		if !c.Shared() && c.TenantID != q.TenantID {
			continue
		}
		if q.Model != "" && b.Model != q.Model {
			continue
		}
		cand := Candidate{Credential: c, Binding: b}
		for _, tenant := range []string{"", q.TenantID} {
			if e, ok := m.exclusions[b.ID+"|"+tenant]; ok && e.RetryAt.After(cand.ExcludedUntil) {
				cand.ExcludedUntil = e.RetryAt
			}
		}
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Credential.Priority != b.Credential.Priority {
			return a.Credential.Priority < b.Credential.Priority
		}
		if a.Binding.Priority != b.Binding.Priority {
			return a.Binding.Priority < b.Binding.Priority
		}
		if a.Credential.ID != b.Credential.ID {
			return a.Credential.ID < b.Credential.ID
		}
		return a.Binding.ID < b.Binding.ID
	})
	return out, nil
}

// GetCredential implements Store.
func (m *Memory) GetCredential(_ context.Context, id string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[id]
	if !ok {
		return Credential{}, fmt.Errorf("op=credential.get: %w", ErrNotFound)
	}
	return c, nil
}

// DeactivateCredential implements Store.
func (m *Memory) DeactivateCredential(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok {
		c.Active = false
		m.creds[id] = c
	}
	return nil
}

// UpsertExclusion implements Store.
func (m *Memory) UpsertExclusion(_ context.Context, e Exclusion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusions[e.BindingID+"|"+e.TenantID] = e
	return nil
}

// DeleteExpiredExclusions implements Store.
func (m *Memory) DeleteExpiredExclusions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.exclusions {
		if !e.RetryAt.After(now) {
			delete(m.exclusions, k)
			n++
		}
	}
	return n, nil
}

// MarkExhausted implements Store.
func (m *Memory) MarkExhausted(_ context.Context, bindingID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[bindingID]
	if !ok {
		return fmt.Errorf("op=binding.mark_exhausted: %w", ErrNotFound)
	}
	b.Usage.ExhaustedUntil = &until
	m.bindings[bindingID] = b
	return nil
}

// ClearStaleExhaustion implements Store.
func (m *Memory) ClearStaleExhaustion(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, b := range m.bindings {
		if b.Usage.ExhaustedUntil != nil && b.Usage.ExhaustedUntil.Before(before) {
			b.Usage.ExhaustedUntil = nil
			m.bindings[id] = b
			n++
		}
	}
	return n, nil
}

// GetUsage implements Store.
func (m *Memory) GetUsage(_ context.Context, bindingID string) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[bindingID]
	if !ok {
		return Usage{}, fmt.Errorf("op=binding.get_usage: %w", ErrNotFound)
	}
	return b.Usage, nil
}

// SaveUsage implements Store.
func (m *Memory) SaveUsage(_ context.Context, bindingID string, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[bindingID]
	if !ok {
		return fmt.Errorf("op=binding.save_usage: %w", ErrNotFound)
	}
	b.Usage.Requests = u.Requests
	b.Usage.Tokens = u.Tokens
	b.Usage.WindowStart = u.WindowStart
	m.bindings[bindingID] = b
	return nil
}

// GetPolicy implements Store.
func (m *Memory) GetPolicy(context.Context) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.policy
	p.DisabledModels = slices.Clone(p.DisabledModels)
	return p, nil
}

// SavePolicy implements Store.
func (m *Memory) SavePolicy(_ context.Context, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.DisabledModels = slices.Clone(p.DisabledModels)
	m.policy = p
	return nil
}

// GetTenantSettings implements Store.
func (m *Memory) GetTenantSettings(_ context.Context, tenantID string) (TenantSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.tenants[tenantID]; ok {
		return s, nil
	}
	return TenantSettings{TenantID: tenantID}, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }
