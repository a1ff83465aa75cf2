// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/metrics"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/router"
)

// Selector is the one entry point that mutates selection state.
// *router.Router satisfies it.
type Selector interface {
	SelectAndExecute(ctx context.Context, tenantID, modelHint string, opts router.Options) (*router.Result, error)
}

// Pinger reports backend reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Router    Selector
	Keys      keystore.Store
	Providers provider.Builder
	State     Pinger
	Logger    *slog.Logger
}

// Server holds the HTTP router and everything the handlers reach for.
type Server struct {
	router    chi.Router
	cfg       *config.Config
	selector  Selector
	keys      keystore.Store
	providers provider.Builder
	state     Pinger
	base      *slog.Logger // no component tag; request loggers derive from it
	logger    *slog.Logger
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, d Deps) *Server {
	base := logging.OrDefault(d.Logger)
	s := &Server{
		cfg:       cfg,
		selector:  d.Router,
		keys:      d.Keys,
		providers: d.Providers,
		state:     d.State,
		base:      base,
		logger:    base.With("component", "http"),
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID runs first so the access log and every handler log line
	// carry the same id.
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/credentials/{id}/test", s.handleTestCredential)
		r.Get("/credentials/{id}/models", s.handleListModels)
	})

	s.router = r
}

// accessLog logs one line per request and puts a request-scoped logger in
// the context for handlers and the router. That logger carries only the
// request id; each layer adds its component through logging.Component.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := s.base.With("request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), reqLogger)))

		reqLogger.With("component", "http").Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
