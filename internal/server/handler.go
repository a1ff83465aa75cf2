package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/router"
)

const healthTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type generateRequest struct {
	TenantID       string             `json:"tenant_id"`
	Model          string             `json:"model,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	StrictProvider bool               `json:"strict_provider,omitempty"`
	Messages       []provider.Message `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
}

type usageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type generateResponse struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	CredentialID string    `json:"credential_id"`
	Attempts     int       `json:"attempts"`
	Usage        usageBody `json:"usage"`
}

type errorBody struct {
	Error             string `json:"error"`
	Kind              string `json:"kind,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// writeJSON sets the header before the status: once the body starts,
// headers are on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// handleHealth pings both backends. The state store is optional for
// correctness (it fails open) but its loss degrades fairness and
// cooldowns, so it is reported.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	body := map[string]string{"status": "ok", "state": "ok", "keystore": "ok"}
	status := http.StatusOK
	if err := s.state.Ping(ctx); err != nil {
		body["state"], body["status"], status = err.Error(), "degraded", http.StatusServiceUnavailable
	}
	if err := s.keys.Ping(ctx); err != nil {
		body["keystore"], body["status"], status = err.Error(), "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// handleGenerate handles POST /v1/generate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	logger := logging.Component(r.Context(), s.logger, "http")

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	res, err := s.selector.SelectAndExecute(r.Context(), req.TenantID, req.Model, router.Options{
		Provider:       req.Provider,
		StrictProvider: req.StrictProvider,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		s.writeSelectError(w, r, err)
		return
	}

	if res.Exhausted {
		body := errorBody{Error: "no capacity available, try again later"}
		if secs := res.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			body.RetryAfterSeconds = secs
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	logger.Debug("generation served",
		"credential_id", res.CredentialID, "provider", res.Provider, "model", res.Model, "attempts", res.Attempts)
	writeJSON(w, http.StatusOK, generateResponse{
		ID:           res.Response.ID,
		Content:      res.Response.Content,
		Model:        res.Response.Model,
		Provider:     res.Provider,
		CredentialID: res.CredentialID,
		Attempts:     res.Attempts,
		Usage: usageBody{
			PromptTokens:     res.Response.Usage.PromptTokens,
			CompletionTokens: res.Response.Usage.CompletionTokens,
			TotalTokens:      res.Response.Usage.Total(),
		},
	})
}

func (s *Server) writeSelectError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.Component(r.Context(), s.logger, "http")

	if pe, ok := provider.AsError(err); ok && pe.Kind == provider.KindBadRequest {
		// The upstream message is already redacted; surface it so the
		// caller can fix the request.
		writeJSON(w, http.StatusBadRequest, errorBody{Error: pe.Message, Kind: string(pe.Kind)})
		return
	}
	switch {
	case errors.Is(err, router.ErrNoCandidates):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// The client is gone; nobody reads this.
		logger.Debug("client went away mid-selection")
		w.WriteHeader(http.StatusRequestTimeout)
	default:
		logger.Error("selection failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
	}
}

// credentialProvider loads the credential named in the path and builds
// its adapter, writing the error response itself when it cannot.
func (s *Server) credentialProvider(w http.ResponseWriter, r *http.Request) (provider.Provider, bool) {
	id := chi.URLParam(r, "id")
	cred, err := s.keys.GetCredential(r.Context(), id)
	if errors.Is(err, keystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return nil, false
	}
	if err != nil {
		logging.Component(r.Context(), s.logger, "http").Error("loading credential", "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading credential failed")
		return nil, false
	}
	p, err := s.providers.New(cred)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, false
	}
	return p, true
}

// handleTestCredential handles POST /v1/credentials/{id}/test. A failed
// test is still a 200: the request worked, the credential did not.
func (s *Server) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	p, ok := s.credentialProvider(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Router.CallTimeout)
	defer cancel()

	if err := p.TestConnection(ctx); err != nil {
		body := map[string]any{"ok": false, "error": err.Error()}
		if kind := provider.KindOf(err); kind != "" {
			body["kind"] = kind
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.Name()})
}

// handleListModels handles GET /v1/credentials/{id}/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.credentialProvider(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Router.CallTimeout)
	defer cancel()

	models, err := p.ListModels(ctx)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Kind: string(provider.KindOf(err))})
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": p.Name(), "models": models})
}
