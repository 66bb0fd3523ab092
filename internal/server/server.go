// Package server sets up the HTTP router, middleware, and request handlers
// that expose completions, content operations and provider administration
// to the host application.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/howard-nolan/newsllm/internal/config"
	"github.com/howard-nolan/newsllm/internal/dispatch"
	"github.com/howard-nolan/newsllm/internal/ledger"
	"github.com/howard-nolan/newsllm/internal/metrics"
	"github.com/howard-nolan/newsllm/internal/prompt"
	"github.com/howard-nolan/newsllm/internal/provider"
	"github.com/howard-nolan/newsllm/internal/registry"
)

// Dispatcher runs a completion across the registered providers.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *provider.Request) (*dispatch.Completion, error)
}

// Usage is the read side of the usage ledger.
type Usage interface {
	Summary(ctx context.Context, since time.Time) ([]ledger.ProviderTotals, error)
	SummaryByCategory(ctx context.Context, since time.Time) ([]ledger.CategoryTotals, error)
	Total(ctx context.Context, since time.Time) (ledger.Totals, error)
	TotalBetween(ctx context.Context, since, until time.Time) (ledger.Totals, error)
	Recent(ctx context.Context, limit int) ([]ledger.Record, error)
}

// Deps are the components the handlers call into.
type Deps struct {
	Dispatcher Dispatcher
	Templates  *prompt.Templates
	Registry   registry.Registry
	Usage      Usage
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	deps   Deps
	now    func() time.Time
}

// New creates a Server with routes and middleware wired, ready to use as
// an http.Handler.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps, now: time.Now}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/complete", s.handleComplete)
		r.Post("/articles/rewrite", s.handleRewrite)
		r.Post("/articles/rewrite-long", s.handleRewriteLong)
		r.Post("/articles/score", s.handleScore)
		r.Post("/articles/image-prompt", s.handleImagePrompt)
		r.Post("/reports/summary", s.handleSummary)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/providers", s.handleListProviders)
		r.Post("/providers", s.handleCreateProvider)
		r.Get("/providers/{id}", s.handleGetProvider)
		r.Patch("/providers/{id}", s.handleUpdateProvider)
		r.Delete("/providers/{id}", s.handleDeleteProvider)

		r.Post("/usage/reset", s.handleResetUsage)
		r.Get("/usage/summary", s.handleUsageSummary)
		r.Get("/usage/categories", s.handleUsageCategories)
		r.Get("/usage/recent", s.handleUsageRecent)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
