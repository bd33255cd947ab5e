package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. A probe still running at the deadline is reported as timed out
// and the check answers 503.
const healthCheckTimeout = 2 * time.Second

// HealthProbe defines the interface for a subsystem health check.
// Each probe represents a dependency the gateway cannot serve without: the
// quota store (Postgres or Redis) and, when purchases are queued, SQS.
type HealthProbe interface {
	// Name returns the component key in the response (e.g. "postgres").
	Name() string

	// Check performs the health check against the subsystem.
	// It should respect the context deadline and return an error if the
	// subsystem is unhealthy or unreachable.
	Check(ctx context.Context) error
}

// HealthProbeFunc adapts a function to HealthProbe, so the entry point can
// register a pool's Ping without declaring a type per dependency.
type HealthProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p HealthProbeFunc) Name() string                    { return p.ProbeName }
func (p HealthProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout.
//
// Contract:
//  1. No probes registered: 200 with no component details.
//  2. Every probe returns nil within healthCheckTimeout: 200.
//  3. Any probe fails, panics, or is still running at the deadline: 503, with
//     the failing component's error message in its entry.
//
// This endpoint is public (no authentication required) and is mounted at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// One buffered slot per probe; unanswered slots read as timeouts.
	results := make([]chan error, len(probes))
	var wg sync.WaitGroup
	for i, probe := range probes {
		results[i] = make(chan error, 1)
		wg.Add(1)
		go func(p HealthProbe, out chan<- error) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					out <- fmt.Errorf("probe panicked: %v", rec)
				}
			}()
			out <- p.Check(ctx)
		}(probe, results[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	// Wait for all probes to complete or the deadline to expire. Stragglers
	// keep running; their buffered slot absorbs the late result.
	select {
	case <-done:
	case <-ctx.Done():
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	for i, probe := range probes {
		var st componentStatus
		select {
		case err := <-results[i]:
			if err != nil {
				st = componentStatus{Status: "unhealthy", Message: err.Error()}
			} else {
				st = componentStatus{Status: "healthy"}
			}
		default:
			st = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		}
		if st.Status != "healthy" {
			resp.Status = "unhealthy"
		}
		resp.Components[probe.Name()] = st
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
