package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultGoogleBaseURL is the Gemini API root used when neither the
// credential nor the config overrides it.
const DefaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider for Google's Gemini API.
type GoogleProvider struct {
	apiKey  string
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // shared, manages connection pooling
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
// The *http.Client is injected so tests can swap the transport and main
// can share one pool across every credential.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client) *GoogleProvider {
	if baseURL == "" {
		baseURL = DefaultGoogleBaseURL
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this file uses them)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses a "parts" array because it
// supports multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// --- Response types ---

type geminiResponse struct {
	ResponseID    string               `json:"responseId"`
	ModelVersion  string               `json:"modelVersion"`
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"` // "models/gemini-2.0-flash"
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// geminiError is Google's standard error envelope. The useful bits live in
// details: ErrorInfo.reason ("API_KEY_INVALID") and RetryInfo.retryDelay.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			Reason     string `json:"reason"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func parseGeminiError(body []byte) upstreamError {
	var ge geminiError
	if err := json.Unmarshal(body, &ge); err != nil {
		return upstreamError{Message: strings.TrimSpace(string(body))}
	}
	ue := upstreamError{Code: ge.Error.Status, Message: ge.Error.Message}
	for _, d := range ge.Error.Details {
		switch {
		case strings.HasSuffix(d.Type, "google.rpc.ErrorInfo") && d.Reason != "":
			ue.Code = d.Reason
		case strings.HasSuffix(d.Type, "google.rpc.RetryInfo") && d.RetryDelay != "":
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil {
				ue.RetryAfter = delay
			}
		}
	}
	return ue
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates the unified Request into Gemini's format:
//  1. System messages get pulled out into systemInstruction
//  2. Messages become contents with parts, "assistant" becomes "model"
//  3. max_tokens becomes maxOutputTokens inside generationConfig
func toGeminiRequest(req *Request) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			// Gemini only accepts one systemInstruction, so multiple system
			// messages become multiple parts of it.
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return gr
}

func (g *GoogleProvider) call(model string) call {
	return call{
		client:   g.client,
		provider: g.Name(),
		model:    model,
		secret:   g.apiKey,
		// The key goes in a header rather than ?key= so it never shows up
		// in transport errors, which embed the URL.
		headers:  map[string]string{"x-goog-api-key": g.apiKey},
		parseErr: parseGeminiError,
	}
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// Generate calls generateContent and returns the first candidate.
func (g *GoogleProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	c := g.call(req.Model)
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)

	raw, err := c.do(ctx, http.MethodPost, url, toGeminiRequest(req))
	if err != nil {
		return nil, err
	}

	var gr geminiResponse
	if err := c.decodeBody(raw, &gr); err != nil {
		return nil, err
	}

	// A 200 with no candidates means the prompt was blocked; another key
	// will not change that.
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, newError(KindBadRequest, g.Name(), req.Model, http.StatusOK, "NO_CANDIDATES", "gemini returned no candidates")
	}

	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	resp := &Response{
		ID:      gr.ResponseID,
		Model:   req.Model,
		Content: text.String(),
		Raw:     raw,
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if gr.ModelVersion != "" {
		resp.Model = gr.ModelVersion
	}
	if gr.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

// TestConnection lists a single model.
func (g *GoogleProvider) TestConnection(ctx context.Context) error {
	_, err := g.call("").do(ctx, http.MethodGet, g.baseURL+"/models?pageSize=1", nil)
	return err
}

// ListModels returns every model that supports generateContent.
func (g *GoogleProvider) ListModels(ctx context.Context) ([]string, error) {
	c := g.call("")
	raw, err := c.do(ctx, http.MethodGet, g.baseURL+"/models?pageSize=1000", nil)
	if err != nil {
		return nil, err
	}
	var list geminiModelList
	if err := c.decodeBody(raw, &list); err != nil {
		return nil, err
	}

	var out []string
	for _, m := range list.Models {
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				out = append(out, strings.TrimPrefix(m.Name, "models/"))
				break
			}
		}
	}
	return out, nil
}
