// Package provider defines the Provider interface and the backend adapters.
//
// Every AI backend (Google, Anthropic, OpenAI-compatible) implements
// Provider. The router only ever sees these unified types and the *Error
// taxonomy in errors.go, so it never needs to know which wire format a
// credential speaks.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is the contract every backend adapter satisfies. One Provider
// value is bound to one credential (API key + base URL).
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	// It matches the keystore provider tag.
	Name() string

	// Generate sends a non-streaming request and returns the complete
	// response. Failures are returned as *Error.
	//
	// ctx carries the per-call deadline set by the router; when it fires
	// the adapter reports a KindTimeout error.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// TestConnection performs the cheapest authenticated call the backend
	// offers. nil means the credential works.
	TestConnection(ctx context.Context) error

	// ListModels returns the model names the credential can call.
	ListModels(ctx context.Context) ([]string, error)
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Request is the internal representation of a generation request. Each
// adapter translates it into its backend-specific format.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Message is a single message in the conversation, in role + content form.
// Google and Anthropic treat system messages differently, so each adapter
// translates from this common format.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// Response is the normalized result of a successful Generate call.
type Response struct {
	ID      string          // provider response id, synthesized when the backend has none
	Model   string          // the model that actually generated the response
	Content string          // the generated text
	Usage   Usage           // token counts, fed into the usage buffer
	Raw     json.RawMessage // the untouched upstream body
}

// Usage holds token counts, normalized across providers.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Total returns TotalTokens, or the sum of the parts when the backend did
// not report a total.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}
