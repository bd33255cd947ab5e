package core

import (
	"context"
	"sync"
	"time"
)

// --- MockAuthenticator ---

// MockAuthenticator implements Authenticator for handler tests.
//
// Usage:
//
//	auth := &MockAuthenticator{Err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "bad key", nil)}
//	srv.Authenticator = auth
type MockAuthenticator struct {
	// Err is returned by Authenticate. nil accepts every token.
	Err error

	// AuthenticateFunc overrides Err when set.
	AuthenticateFunc func(ctx context.Context, token string) error

	mu sync.Mutex
	// Calls records every token passed to Authenticate.
	Calls []string
}

// Authenticate records the call, then delegates to AuthenticateFunc or Err.
func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, token)
	}
	return m.Err
}

// --- MockMetricsCollector ---

// RequestMetric is one RecordRequest call.
type RequestMetric struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector records request metrics so tests can assert the
// route pattern, not the raw path, was reported.
//
// Usage:
//
//	m := &MockMetricsCollector{}
//	srv.Metrics = m
//	// ... serve a request ...
//	got := m.Snapshot()
type MockMetricsCollector struct {
	mu       sync.Mutex
	Requests []RequestMetric
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RequestMetric{method, endpoint, status, duration})
}

// Snapshot returns a copy of the recorded metrics.
func (m *MockMetricsCollector) Snapshot() []RequestMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestMetric, len(m.Requests))
	copy(out, m.Requests)
	return out
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ MetricsCollector = (*MockMetricsCollector)(nil)
)
