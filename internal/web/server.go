// Package web exposes the certificate ledger over HTTP: batch import,
// course resolution and code previews, plus health and metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/certledger/internal/config"
	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/ratelimit"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
	webmw "github.com/JonMunkholm/certledger/internal/web/middleware"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the engine components the handlers call into.
type Deps struct {
	Store      store.Store
	Resolver   *resolver.Resolver
	Allocator  *sequence.Allocator
	Reconciler *importer.Reconciler
	Imports    *importer.Limiter

	// RateLimit is nil when rate limiting is disabled.
	RateLimit *ratelimit.Limiter

	// Gatherer backs /metrics. Nil hides the endpoint.
	Gatherer prometheus.Gatherer

	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
}

// Server is the HTTP server for the ledger.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Imports == nil {
		deps.Imports = importer.NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(securityHeaders)

	if s.deps.RateLimit != nil {
		s.router.Use(webmw.RateLimit(s.deps.RateLimit))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(webmw.APIKeyAuth(&s.cfg.Security))

		// Imports carry their own deadline from IMPORT_TIMEOUT.
		r.Post("/import", s.handleImport)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
			r.Get("/import/status", s.handleImportStatus)
			r.Get("/imports/{batchID}", s.handleImportBatch)
			r.Get("/courses/resolve", s.handleResolveCourse)
			r.Get("/courses/{courseID}/next-code", s.handleNextCode)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for running imports.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.deps.Imports.WaitForDrain(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// writeError writes a bare {"error": ...} body for failures that have no
// user message mapping, such as a missing query parameter.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}

func queryInt(r *http.Request, name string) (int, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s must be a whole number", name)
	}
	return n, true, nil
}
