package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/credrouter/internal/keystore"
)

// Builder turns a stored credential into a ready Provider. The router and
// the HTTP handlers depend on this interface so tests can hand out fakes.
type Builder interface {
	New(cred keystore.Credential) (Provider, error)
}

// constructor is the signature every adapter constructor shares, stored
// in a map keyed by provider tag instead of an if/else chain.
type constructor func(apiKey, baseURL string, client *http.Client) Provider

var constructors = map[string]constructor{
	keystore.ProviderGoogle: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewGoogleProvider(apiKey, baseURL, client)
	},
	keystore.ProviderAnthropic: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewAnthropicProvider(apiKey, baseURL, client)
	},
	keystore.ProviderOpenAI: func(apiKey, baseURL string, client *http.Client) Provider {
		return NewOpenAIProvider(apiKey, baseURL, client)
	},
}

// Factory builds providers that share one *http.Client (and so one
// connection pool). baseURLs holds per-provider overrides from config;
// a credential's own BaseURL wins over both.
type Factory struct {
	client   *http.Client
	baseURLs map[string]string
}

// NewFactory returns a Factory. A nil client gets one with a generous
// outer timeout; per-call deadlines come from the context.
func NewFactory(client *http.Client, baseURLs map[string]string) *Factory {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Factory{client: client, baseURLs: baseURLs}
}

// New implements Builder.
func (f *Factory) New(cred keystore.Credential) (Provider, error) {
	ctor, ok := constructors[cred.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q for credential %s", cred.Provider, cred.ID)
	}
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = f.baseURLs[cred.Provider]
	}
	return ctor(cred.Secret, baseURL, f.client), nil
}

// Supported reports whether name has an adapter.
func Supported(name string) bool {
	_, ok := constructors[name]
	return ok
}
