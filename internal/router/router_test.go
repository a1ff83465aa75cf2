package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/policy"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/rotator"
	"github.com/howard-nolan/credrouter/internal/state"
	"github.com/howard-nolan/credrouter/internal/usage"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// behavior decides how a fake provider answers; nil means success.
type behavior func(ctx context.Context) error

// fakeProviders hands out providers whose answers are scripted per
// credential id, and records which credentials were called.
type fakeProviders struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	calls     []string
}

func (f *fakeProviders) set(credID string, b behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[credID] = b
}

func (f *fakeProviders) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProviders) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeProviders) New(cred keystore.Credential) (provider.Provider, error) {
	if cred.Provider == "broken" {
		return nil, errors.New("unknown provider")
	}
	return &fakeProvider{cred: cred, f: f}, nil
}

type fakeProvider struct {
	cred keystore.Credential
	f    *fakeProviders
}

func (p *fakeProvider) Name() string { return p.cred.Provider }

func (p *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.f.mu.Lock()
	p.f.calls = append(p.f.calls, p.cred.ID)
	b := p.f.behaviors[p.cred.ID]
	p.f.mu.Unlock()

	if b != nil {
		if err := b(ctx); err != nil {
			return nil, err
		}
	}
	return &provider.Response{
		ID:      "resp-" + p.cred.ID,
		Model:   req.Model,
		Content: "hello from " + p.cred.ID,
		Usage:   provider.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
	}, nil
}

func (p *fakeProvider) TestConnection(context.Context) error         { return nil }
func (p *fakeProvider) ListModels(context.Context) ([]string, error) { return nil, nil }

func fail(kind provider.Kind) behavior {
	return func(context.Context) error {
		return &provider.Error{Kind: kind, Retryable: kind.Retryable(), HTTPStatus: http.StatusTooManyRequests, Message: string(kind)}
	}
}

// failAfter fails with a server retry hint.
func failAfter(kind provider.Kind, retryAfter time.Duration) behavior {
	return func(context.Context) error {
		return &provider.Error{Kind: kind, Retryable: kind.Retryable(), HTTPStatus: http.StatusTooManyRequests, Message: string(kind), RetryAfter: retryAfter}
	}
}

// hang blocks until the call's context is done and reports a timeout, the
// way the HTTP adapters do.
func hang(ctx context.Context) error {
	<-ctx.Done()
	return &provider.Error{Kind: provider.KindTimeout, Retryable: true, Err: ctx.Err()}
}

type usageLog struct {
	mu     sync.Mutex
	tokens map[string]int64
}

func (u *usageLog) RecordUsage(bindingID string, tokens int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens[bindingID] += tokens
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t         *testing.T
	mr        *miniredis.Miniredis
	client    *redis.Client
	keys      *keystore.Memory
	providers *fakeProviders
	usage     *usageLog
	cfg       *config.Config
	clock     time.Time
	router    *Router
	bindings  map[string]keystore.ModelBinding // by credential id
}

func testConfig() *config.Config {
	return &config.Config{
		Router: config.RouterConfig{
			CallTimeout: 2 * time.Second,
			Cooldowns: config.CooldownConfig{
				RateLimit:   30 * time.Second,
				Quota:       30 * time.Second,
				Auth:        24 * time.Hour,
				ServerError: 15 * time.Second,
				Timeout:     10 * time.Second,
			},
		},
		Usage: config.UsageConfig{ExhaustionStaleAfter: time.Hour},
	}
}

type credSpec struct {
	id       string
	provider string
	priority int
}

func newHarness(t *testing.T, specs ...credSpec) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		t:         t,
		mr:        mr,
		client:    client,
		keys:      keystore.NewMemory(),
		providers: &fakeProviders{behaviors: map[string]behavior{}},
		usage:     &usageLog{tokens: map[string]int64{}},
		cfg:       testConfig(),
		clock:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		bindings:  map[string]keystore.ModelBinding{},
	}
	for _, s := range specs {
		cred := h.keys.AddCredential(keystore.Credential{
			ID: s.id, Name: "key " + s.id, Secret: "secret-" + s.id,
			Provider: s.provider, Priority: s.priority, Active: true,
		})
		h.bindings[s.id] = h.keys.AddBinding(keystore.ModelBinding{
			ID: "bind-" + s.id, CredentialID: cred.ID, Model: "m1", Enabled: true,
		})
	}
	h.router = h.build(h.usage)
	return h
}

// build wires a Router the way one process would. Calling it again
// simulates a process restart against the same backends.
func (h *harness) build(rec UsageRecorder) *Router {
	st := state.NewRedisStore(h.client, "test:", logging.Discard())
	r := New(h.cfg, Deps{
		Keys:      h.keys,
		Cache:     policy.New(h.keys, st, time.Minute, logging.Discard()),
		Rotator:   rotator.New(st, h.cfg.Router.Cooldowns, logging.Discard()),
		Providers: h.providers,
		Usage:     rec,
		Logger:    logging.Discard(),
	})
	r.now = func() time.Time { return h.clock }
	return r
}

// advance moves both the router's clock and the state backend's TTLs.
func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
	h.mr.FastForward(d)
}

func (h *harness) run(opts Options) *Result {
	h.t.Helper()
	res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", opts)
	require.NoError(h.t, err)
	require.NotNil(h.t, res)
	return res
}

func google(id string) credSpec    { return credSpec{id: id, provider: keystore.ProviderGoogle} }
func anthropic(id string) credSpec { return credSpec{id: id, provider: keystore.ProviderAnthropic} }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSelectAndExecute_RoundRobin(t *testing.T) {
	h := newHarness(t, google("a"), google("b"), google("c"))

	var got []string
	for range 9 {
		res := h.run(Options{})
		require.False(t, res.Exhausted)
		got = append(got, res.CredentialID)
		assert.Equal(t, 1, res.Attempts)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, got)
	assert.Equal(t, int64(30), h.usage.tokens["bind-a"])
}

func TestSelectAndExecute_Success(t *testing.T) {
	h := newHarness(t, google("a"))

	res := h.run(Options{Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	require.NotNil(t, res.Response)
	assert.Equal(t, "hello from a", res.Response.Content)
	assert.Equal(t, "a", res.CredentialID)
	assert.Equal(t, "bind-a", res.BindingID)
	assert.Equal(t, keystore.ProviderGoogle, res.Provider)
	assert.Equal(t, "m1", res.Model)
	assert.Equal(t, int64(10), h.usage.tokens["bind-a"])
}

func TestSelectAndExecute_QuotaCooldownScenario(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", fail(provider.KindQuotaExceeded))

	// t=0: a is tried first, fails, b serves.
	res := h.run(Options{})
	assert.Equal(t, "b", res.CredentialID)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"a", "b"}, h.providers.called())

	u, err := h.keys.GetUsage(context.Background(), "bind-a")
	require.NoError(t, err)
	require.NotNil(t, u.ExhaustedUntil, "quota failures mark the binding exhausted")
	assert.Equal(t, h.clock.Add(30*time.Second), *u.ExhaustedUntil, "the marker lasts as long as the cooldown")

	h.providers.set("a", nil)
	h.providers.reset()

	// t=10s: a is still cooling down.
	h.advance(10 * time.Second)
	for range 4 {
		res := h.run(Options{})
		assert.Equal(t, "b", res.CredentialID)
	}
	assert.NotContains(t, h.providers.called(), "a")

	// t=31s: a is back in rotation.
	h.advance(21 * time.Second)
	h.providers.reset()
	for range 4 {
		h.run(Options{})
	}
	assert.Contains(t, h.providers.called(), "a")

	// With b unavailable, a serves on its own.
	h.providers.set("b", fail(provider.KindRateLimited))
	h.providers.reset()
	res = h.run(Options{})
	require.False(t, res.Exhausted)
	assert.Equal(t, "a", res.CredentialID)
}

func TestSelectAndExecute_QuotaHintShorterThanDefault(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", failAfter(provider.KindQuotaExceeded, 5*time.Second))
	h.providers.set("b", fail(provider.KindRateLimited))

	res := h.run(Options{})
	require.True(t, res.Exhausted)
	assert.Equal(t, 5*time.Second, res.RetryAfter, "the shortest wait is the quota hint, not a stale marker")

	u, err := h.keys.GetUsage(context.Background(), "bind-a")
	require.NoError(t, err)
	require.NotNil(t, u.ExhaustedUntil)
	assert.Equal(t, h.clock.Add(5*time.Second), *u.ExhaustedUntil)

	h.providers.set("a", nil)

	// t=4s: a is still banned, b still cooling down.
	h.advance(4 * time.Second)
	res = h.run(Options{})
	assert.True(t, res.Exhausted)
	assert.Equal(t, time.Second, res.RetryAfter)

	// t=6s: a serves again well before the default quota cooldown.
	h.advance(2 * time.Second)
	h.providers.reset()
	res = h.run(Options{})
	require.False(t, res.Exhausted)
	assert.Equal(t, "a", res.CredentialID)
	assert.Equal(t, []string{"a"}, h.providers.called())
}

func TestSelectAndExecute_RateLimitRecovers(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", fail(provider.KindRateLimited))

	res := h.run(Options{})
	assert.Equal(t, "b", res.CredentialID)
	h.providers.set("a", nil)

	h.advance(10 * time.Second)
	h.providers.reset()
	h.run(Options{})
	h.run(Options{})
	assert.NotContains(t, h.providers.called(), "a")

	h.advance(21 * time.Second)
	h.providers.reset()
	h.run(Options{})
	h.run(Options{})
	assert.Contains(t, h.providers.called(), "a", "a rotates back in once breaker and exclusion expire")
}

func TestSelectAndExecute_UnauthorizedDeactivates(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", fail(provider.KindUnauthorized))

	res := h.run(Options{})
	assert.Equal(t, "b", res.CredentialID)

	cred, err := h.keys.GetCredential(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, cred.Active)

	// Even after a restart with an empty state backend, a never returns.
	h.mr.FlushAll()
	h.router = h.build(h.usage)
	h.providers.reset()
	for range 4 {
		assert.Equal(t, "b", h.run(Options{}).CredentialID)
	}
	assert.NotContains(t, h.providers.called(), "a")
}

func TestSelectAndExecute_UnauthorizedDropsEveryBindingOfTheCredential(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.keys.AddBinding(keystore.ModelBinding{ID: "bind-a2", CredentialID: "a", Model: "m2", Enabled: true})
	h.providers.set("a", fail(provider.KindUnauthorized))

	// No model hint: both of a's bindings are candidates.
	res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", res.CredentialID)
	assert.Equal(t, []string{"a", "b"}, h.providers.called(), "a is tried once, not once per binding")
}

func TestSelectAndExecute_ExhaustedWhenAllFlagged(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	ctx := context.Background()
	rot := rotator.New(state.NewRedisStore(h.client, "test:", logging.Discard()), h.cfg.Router.Cooldowns, logging.Discard())

	rot.MarkFailed(ctx, keystore.Candidate{Credential: keystore.Credential{ID: "a"}, Binding: keystore.ModelBinding{Model: "m1"}}, provider.KindRateLimited, 40*time.Second)
	rot.MarkFailed(ctx, keystore.Candidate{Credential: keystore.Credential{ID: "b"}, Binding: keystore.ModelBinding{Model: "m1"}}, provider.KindServerError, 0)

	res := h.run(Options{})
	assert.True(t, res.Exhausted)
	assert.Nil(t, res.Response)
	assert.Zero(t, res.Attempts)
	assert.Equal(t, 15*time.Second, res.RetryAfter, "shortest active cooldown")
	assert.Equal(t, 15, res.RetryAfterSeconds())
	assert.Empty(t, h.providers.called())
}

func TestSelectAndExecute_ExhaustedAfterEveryCandidateFails(t *testing.T) {
	h := newHarness(t, google("a"), google("b"), anthropic("c"))
	h.providers.set("a", fail(provider.KindServerError))
	h.providers.set("b", fail(provider.KindRateLimited))
	h.providers.set("c", fail(provider.KindTimeout))

	res := h.run(Options{})
	assert.True(t, res.Exhausted)
	assert.Equal(t, 3, res.Attempts, "each candidate is tried at most once")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.providers.called())
	assert.Equal(t, 10*time.Second, res.RetryAfter)
}

func TestSelectAndExecute_MaxAttempts(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.cfg.Router.MaxAttempts = 1
	h.router = h.build(h.usage)
	h.providers.set("a", fail(provider.KindServerError))

	res := h.run(Options{})
	assert.True(t, res.Exhausted)
	assert.Equal(t, 1, res.Attempts)
}

func TestSelectAndExecute_BadRequestIsReturned(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", fail(provider.KindBadRequest))

	res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", Options{})
	assert.Nil(t, res)
	assert.Equal(t, provider.KindBadRequest, provider.KindOf(err))
	assert.Equal(t, []string{"a"}, h.providers.called(), "retrying a malformed request cannot help")

	h.providers.set("a", nil)
	assert.Equal(t, "b", h.run(Options{}).CredentialID, "a is not cooled down; rotation simply moves on")
	assert.Equal(t, "a", h.run(Options{}).CredentialID)
}

func TestSelectAndExecute_PreferredProviderFirst(t *testing.T) {
	h := newHarness(t,
		credSpec{id: "g", provider: keystore.ProviderGoogle, priority: 1},
		credSpec{id: "c", provider: keystore.ProviderAnthropic, priority: 5},
	)

	res := h.run(Options{Provider: keystore.ProviderAnthropic})
	assert.Equal(t, "c", res.CredentialID)

	h.keys.SetTenantSettings(keystore.TenantSettings{TenantID: "tenant-1", PreferredProvider: keystore.ProviderAnthropic})
	h.router = h.build(h.usage)
	assert.Equal(t, "c", h.run(Options{}).CredentialID, "tenant preference applies without an override")

	assert.Equal(t, "g", h.run(Options{Provider: keystore.ProviderGoogle}).CredentialID, "the request override wins")
}

func TestSelectAndExecute_FailoverAcrossProviders(t *testing.T) {
	h := newHarness(t, google("g"), anthropic("c"))
	h.providers.set("g", fail(provider.KindServerError))

	res := h.run(Options{Provider: keystore.ProviderGoogle})
	assert.Equal(t, "c", res.CredentialID)
	assert.Equal(t, 2, res.Attempts)
}

func TestSelectAndExecute_StrictProviderDisablesFailover(t *testing.T) {
	h := newHarness(t, google("g"), anthropic("c"))
	h.providers.set("g", fail(provider.KindServerError))

	res := h.run(Options{Provider: keystore.ProviderGoogle, StrictProvider: true})
	assert.True(t, res.Exhausted)
	assert.Equal(t, []string{"g"}, h.providers.called())
}

func TestSelectAndExecute_PolicyFailoverOff(t *testing.T) {
	h := newHarness(t, google("g"), anthropic("c"))
	require.NoError(t, h.keys.SavePolicy(context.Background(), keystore.Policy{DefaultProvider: keystore.ProviderAnthropic}))
	h.providers.set("c", fail(provider.KindRateLimited))

	res := h.run(Options{})
	assert.True(t, res.Exhausted)
	assert.Equal(t, []string{"c"}, h.providers.called())
}

func TestSelectAndExecute_NoCandidates(t *testing.T) {
	h := newHarness(t, google("a"))

	_, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "unknown-model", Options{})
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", Options{Provider: keystore.ProviderOpenAI, StrictProvider: true})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelectAndExecute_DisabledModel(t *testing.T) {
	h := newHarness(t, google("a"))
	require.NoError(t, h.keys.SavePolicy(context.Background(), keystore.Policy{FailoverEnabled: true, DisabledModels: []string{"m1"}}))

	_, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", Options{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelectAndExecute_TenantDefaultModel(t *testing.T) {
	h := newHarness(t, google("a"))
	h.keys.AddBinding(keystore.ModelBinding{ID: "bind-a2", CredentialID: "a", Model: "m2", Enabled: true})
	h.keys.SetTenantSettings(keystore.TenantSettings{TenantID: "tenant-1", DefaultModel: "m2"})

	res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, "bind-a2", res.BindingID)
}

func TestSelectAndExecute_TimeoutMovesOn(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.cfg.Router.CallTimeout = 50 * time.Millisecond
	h.router = h.build(h.usage)
	h.providers.set("a", hang)

	res := h.run(Options{})
	assert.Equal(t, "b", res.CredentialID)

	h.providers.reset()
	h.run(Options{})
	h.run(Options{})
	assert.NotContains(t, h.providers.called(), "a", "a timed out and is cooling down")
}

func TestSelectAndExecute_CallerCancels(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", hang)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := h.router.SelectAndExecute(ctx, "tenant-1", "m1", Options{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, h.providers.called())

	assert.False(t, h.mr.Exists("test:flag:"+rotator.BindingKey("a", "m1")), "abandoning a call does not blame the credential")
}

func TestSelectAndExecute_UnbuildableCandidateIsSkipped(t *testing.T) {
	h := newHarness(t, credSpec{id: "x", provider: "broken"}, credSpec{id: "y", provider: "broken", priority: 1}, google("z"))

	res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "z", res.CredentialID)
}

func TestSelectAndExecute_StoreDown(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.mr.SetError("ERR simulated outage")

	for range 5 {
		res := h.run(Options{})
		assert.False(t, res.Exhausted, "an unreachable state backend never blocks selection")
	}
}

func TestSelectAndExecute_LogsWithRequestLogger(t *testing.T) {
	h := newHarness(t, google("a"), google("b"))
	h.providers.set("a", fail(provider.KindServerError))
	h.providers.set("b", fail(provider.KindServerError))

	var buf bytes.Buffer
	reqLogger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-42")
	ctx := logging.WithContext(context.Background(), reqLogger)

	res, err := h.router.SelectAndExecute(ctx, "tenant-1", "m1", Options{})
	require.NoError(t, err)
	require.True(t, res.Exhausted)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, "router", rec["component"], "line %s", line)
		assert.Equal(t, "req-42", rec["request_id"])
		assert.Equal(t, "tenant-1", rec["tenant_id"])
	}
}

func TestSelectAndExecute_ConcurrentUsageIsExact(t *testing.T) {
	h := newHarness(t, google("a"), google("b"), google("c"))
	st := state.NewRedisStore(h.client, "test:", logging.Discard())
	buf := usage.NewBuffer(h.keys, st, config.UsageConfig{
		LockLease: 2 * time.Second,
		LockWait:  time.Second,
		Window:    24 * time.Hour,
	}, logging.Discard())
	h.router = h.build(buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for ctx.Err() == nil {
			buf.Flush(context.Background())
			time.Sleep(time.Millisecond)
		}
	}()

	const callers, perCaller = 10, 15
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perCaller {
				res, err := h.router.SelectAndExecute(context.Background(), "tenant-1", "m1", Options{})
				if assert.NoError(t, err) {
					assert.False(t, res.Exhausted)
				}
			}
		}()
	}
	wg.Wait()
	cancel()
	<-flusherDone
	buf.Flush(context.Background())

	var requests, tokens int64
	for _, id := range []string{"bind-a", "bind-b", "bind-c"} {
		u, err := h.keys.GetUsage(context.Background(), id)
		require.NoError(t, err)
		requests += u.Requests
		tokens += u.Tokens
		assert.Equal(t, int64(callers*perCaller/3), u.Requests, "round robin spreads load evenly on %s", id)
	}
	assert.Equal(t, int64(callers*perCaller), requests)
	assert.Equal(t, int64(callers*perCaller*10), tokens)
}
