package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	// DefaultAnthropicBaseURL is the Messages API root.
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"

	// Anthropic rejects requests without max_tokens.
	defaultAnthropicMaxTokens = 1024
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Same pattern as GoogleProvider: translate the unified Request into
// Anthropic's format, make the HTTP call, translate back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body for /v1/messages.
//
// Key differences from Gemini:
//   - "system" is a top-level string, not nested inside messages
//   - "max_tokens" is required
//   - "model" is in the request body (Gemini puts it in the URL path)
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one block of the response. Only "text" blocks
// carry text.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"` // "rate_limit_error", "authentication_error", ...
		Message string `json:"message"`
	} `json:"error"`
}

func parseAnthropicError(body []byte) upstreamError {
	var ae anthropicError
	if err := json.Unmarshal(body, &ae); err != nil {
		return upstreamError{Message: strings.TrimSpace(string(body))}
	}
	return upstreamError{Code: ae.Error.Type, Message: ae.Error.Message}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest pulls system messages out into the top-level system
// field. Several system messages are joined with a blank line.
func toAnthropicRequest(req *Request) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = defaultAnthropicMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	ar.System = strings.Join(system, "\n\n")
	return ar
}

func (a *AnthropicProvider) call(model string) call {
	return call{
		client:   a.client,
		provider: a.Name(),
		model:    model,
		secret:   a.apiKey,
		headers: map[string]string{
			"x-api-key":         a.apiKey,
			"anthropic-version": anthropicVersion,
		},
		parseErr: parseAnthropicError,
	}
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// Generate sends a non-streaming Messages request.
func (a *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	c := a.call(req.Model)
	raw, err := c.do(ctx, http.MethodPost, a.baseURL+"/messages", toAnthropicRequest(req))
	if err != nil {
		return nil, err
	}

	var ar anthropicResponse
	if err := c.decodeBody(raw, &ar); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := ar.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		ID:      ar.ID,
		Model:   model,
		Content: text.String(),
		Usage: Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
		Raw: raw,
	}, nil
}

// TestConnection lists one model.
func (a *AnthropicProvider) TestConnection(ctx context.Context) error {
	_, err := a.call("").do(ctx, http.MethodGet, a.baseURL+"/models?limit=1", nil)
	return err
}

// ListModels returns the model ids visible to the key.
func (a *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	c := a.call("")
	raw, err := c.do(ctx, http.MethodGet, a.baseURL+"/models?limit=1000", nil)
	if err != nil {
		return nil, err
	}
	var list anthropicModelList
	if err := c.decodeBody(raw, &list); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
