package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultOpenAIBaseURL is the Chat Completions API root. Any
// OpenAI-compatible gateway works by overriding it.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements Provider for the Chat Completions API. The
// unified Request already has OpenAI's shape, so translation is a copy.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAIProvider.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

type openaiRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// openaiError's code is a string on api.openai.com but a number on some
// compatible gateways, so it is decoded lazily.
type openaiError struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func parseOpenAIError(body []byte) upstreamError {
	var oe openaiError
	if err := json.Unmarshal(body, &oe); err != nil {
		return upstreamError{Message: strings.TrimSpace(string(body))}
	}
	code := strings.Trim(string(oe.Error.Code), `"`)
	if code == "" || code == "null" {
		code = oe.Error.Type
	}
	return upstreamError{Code: code, Message: oe.Error.Message}
}

func (o *OpenAIProvider) call(model string) call {
	return call{
		client:   o.client,
		provider: o.Name(),
		model:    model,
		secret:   o.apiKey,
		headers:  map[string]string{"Authorization": "Bearer " + o.apiKey},
		parseErr: parseOpenAIError,
	}
}

// Generate sends a non-streaming chat completion.
func (o *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	c := o.call(req.Model)
	body := openaiRequest{Model: req.Model, Messages: req.Messages, MaxTokens: req.MaxTokens}

	raw, err := c.do(ctx, http.MethodPost, o.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var or openaiResponse
	if err := c.decodeBody(raw, &or); err != nil {
		return nil, err
	}
	if len(or.Choices) == 0 {
		return nil, newError(KindServerError, o.Name(), req.Model, http.StatusOK, "", "response has no choices")
	}

	resp := &Response{
		ID:      or.ID,
		Model:   or.Model,
		Content: or.Choices[0].Message.Content,
		Raw:     raw,
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if or.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     or.Usage.PromptTokens,
			CompletionTokens: or.Usage.CompletionTokens,
			TotalTokens:      or.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// TestConnection lists models; it is the cheapest authenticated call.
func (o *OpenAIProvider) TestConnection(ctx context.Context) error {
	_, err := o.call("").do(ctx, http.MethodGet, o.baseURL+"/models", nil)
	return err
}

// ListModels returns the model ids visible to the key.
func (o *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	c := o.call("")
	raw, err := c.do(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	var list openaiModelList
	if err := c.decodeBody(raw, &list); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
