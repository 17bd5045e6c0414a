// ABOUTME: HTTP server struct, constructor, and router wiring for the job runner.
// ABOUTME: Serves scheduler health checks, Prometheus metrics and the huma API.
package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
	"github.com/scarson/jobrunner/internal/worker"
)

// HealthSource supplies the current health report of every scheduler in
// the process. *worker.Pool implements it.
type HealthSource interface {
	Reports() map[job.Category]worker.Report
}

// Pinger checks datastore reachability. Both store adapters implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	health      HealthSource
	db          Pinger // nil skips the datastore check
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server reporting on h. db may be nil.
func NewServer(h HealthSource, db Pinger) *Server {
	return &Server{
		health:      h,
		db:          db,
		rateLimiter: newIPRateLimiter(rate.Limit(apiRatePerSecond), apiRateBurst, apiRateEvictTTL),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Get("/healthz/{category}", srv.categoryHealthzHandler)
	r.Handle("/metrics", metrics.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.apiRateLimit())
	humaConfig := huma.DefaultConfig("Job Runner API", "0.1.0")
	humaConfig.Info.Description = "Scheduler health for polling job workers"
	api := humachi.New(apiRouter, humaConfig)
	registerHealthRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}
