package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"creditgate/internal/types"
)

// defaultRequestTimeout is the soft deadline applied to request contexts when
// the config carries no usable write timeout. It stays below the server write
// timeout so a handler stuck on an upstream still gets to write its error.
const defaultRequestTimeout = 25 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent leaking API keys or webhook signatures.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Platform-Signature",
}

// MountRoutes defines the top-level routing hierarchy.
// It registers the global middleware chain, then the public routes (health
// check, signed platform webhooks), then the /v1 group behind AuthMiddleware.
//
// Registrars must be appended before the call; chi panics if middleware is
// added after the first route.
func (s *Server) MountRoutes() {
	// Global Middleware Registration (strict order matters).
	s.registerGlobalMiddleware()

	// Top-Level Routes (outside /v1 namespace)
	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range s.PublicRouteRegistrars {
		registrar(s.router)
	}

	// API Version Groups
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost so every panic becomes a 500 envelope.
//  2. ContextTimeout  - Soft deadline so platform and ledger calls give up first.
//  3. RequestID       - Correlation ID, forwarded to upstream clients.
//  4. SecurityHeaders - Applied before any handler can write.
//  5. RequestLogger   - Needs the request ID; installs the context logger.
//  6. Metrics         - Innermost so chi has resolved the route pattern.
//
// Auth is not global: /health and the signed webhooks stay reachable without
// an API key.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)
}

// requestTimeout returns the server write timeout minus one second, falling
// back to defaultRequestTimeout when the write timeout is unset or too short.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.WriteTimeout > time.Second {
		return s.Config.Server.WriteTimeout - time.Second
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// If the deadline is exceeded, downstream handlers receive a cancelled
// context; the upstream clients map that to an upstream_unavailable error
// rather than hanging until the server cuts the connection.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs and upstream calls. If the incoming request carries
// an X-Request-Id header of at most 128 bytes, that value is reused;
// otherwise a new UUID is generated. Oversized IDs are replaced rather than
// truncated so log lines stay bounded.
//
// The request ID is stored in the context via types.WithRequestID and set as
// the X-Request-Id response header. The upstream clients forward it so one
// purchase can be traced end to end.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		// Store in context for downstream access.
		ctx := types.WithRequestID(r.Context(), requestID)

		// Set the response header so clients can correlate responses.
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
