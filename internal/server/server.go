// Package server implements the HTTP transport layer for the Switchyard relay.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/forward"
	"github.com/eugener/switchyard/internal/metering"
	"github.com/eugener/switchyard/internal/quota"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/storage"
	"github.com/eugener/switchyard/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      relay.Authenticator
	Guard     *quota.Guard
	Forwarder *forward.Forwarder
	Metering  *metering.Handler
	Tracker   session.Tracker
	Breaker   *circuit.Breaker
	Providers storage.ProviderStore

	ReadyCheck ReadyChecker        // nil = always ready (for tests)
	Metrics    *telemetry.Metrics  // nil = no request metrics
	Gatherer   prometheus.Gatherer // nil = no /metrics endpoint
	Logger     *slog.Logger        // nil = slog.Default()

	// MaxBodyBytes caps the buffered proxy request body. Zero means the
	// default.
	MaxBodyBytes int64
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxProxyBody
	}
	s := &server{deps: deps, logger: deps.Logger, tracer: telemetry.Tracer("server")}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.observe)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Relay surface: every method and path under /v1/ goes to the proxy
	// pipeline; the upstream decides what the path means.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Handle("/v1/*", http.HandlerFunc(s.handleProxy))
	})

	// Operator surface: live session state and the manual circuit reset.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/providers/{id}/circuit/reset", s.handleCircuitReset)
	})

	return r
}

type server struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
}
