// Package core provides the HTTP chassis for the creditgate gateway.
// It creates a chi router, enforces cross-cutting concerns (panic recovery,
// request IDs, logging, metrics and API-key auth) and leaves the domain
// routes to handlers registered by the entry point.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or an in-memory recorder in tests.
type MetricsCollector interface {
	// RecordRequest records one request's latency under its route pattern.
	// endpoint is the chi route pattern, never the raw path, so per-user
	// URLs do not explode metric cardinality.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies of the gateway's HTTP layer, allowing
// for easy injection during testing and distinct configuration for local
// and Lambda deployments.
//
// Metrics, Authenticator and HealthProbes are optional. A nil Metrics
// disables request telemetry; a nil Authenticator leaves /v1 open, which
// only the local environment permits (see MountRoutes).
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount authenticated routes under /v1.
	V1RouteRegistrars []func(chi.Router)
	// PublicRouteRegistrars mount unauthenticated routes (signed webhooks).
	PublicRouteRegistrars []func(chi.Router)

	// Resources released by Shutdown, in registration order.
	closers []func(context.Context) error
	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a fail-fast check on the config and
// logger, since every middleware depends on both.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// appending its registrars. This separation allows tests to customize route
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.Server (local) and the API Gateway adapter (Lambda).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown. Functions run in reverse
// registration order so later resources close before the ones they use.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown performs a graceful termination of server resources.
//  1. Runs every OnShutdown function, newest first. The entry point registers
//     the engine registry before the pools it writes through, so engines
//     flush quota state while the stores are still open.
//  2. Keeps going after a failure so one stuck resource does not leak the
//     rest, then returns every failure joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.Error("error releasing server resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("releasing server resources: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
