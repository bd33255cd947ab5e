package external

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker/v2"

	"creditgate/internal/types"
)

// noopSleep skips retry waits.
func noopSleep(context.Context, time.Duration) error { return nil }

// recordingSleep captures requested waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"CreditGate-Test/1.0",
		types.ErrCodeUpstreamPlatformUnavailable,
		opts...,
	)
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: 10 * time.Millisecond, MaxWait: 100 * time.Millisecond}
}

func mustGet(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithRequestID(context.Background(), "req-abc-123")

	resp, err := client.Do(mustGet(t, ctx, server.URL))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotID != "req-abc-123" {
		t.Errorf("expected request id 'req-abc-123', got %q", gotID)
	}
	if gotUA != "CreditGate-Test/1.0" {
		t.Errorf("expected User-Agent 'CreditGate-Test/1.0', got %q", gotUA)
	}
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))
	resp, err := client.Do(mustGet(t, context.Background(), server.URL))
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	resp.Body.Close()

	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestDo_ExhaustedRetriesUseUpstreamCode(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))
	_, err := client.Do(mustGet(t, context.Background(), server.URL))

	if !types.HasCode(err, types.ErrCodeUpstreamPlatformUnavailable) {
		t.Fatalf("expected upstream_platform_unavailable, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestDo_ExhaustedRetriesOn429IsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(1))
	_, err := client.Do(mustGet(t, context.Background(), server.URL))

	if !types.HasCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected upstream_rate_limited, got %v", err)
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))
	resp, err := client.Do(mustGet(t, context.Background(), server.URL))
	if err != nil {
		t.Fatalf("4xx should be returned as a response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 call, got %d", n)
	}
}

func TestDo_RespectsRetryAfterCappedByMaxWait(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := &recordingSleep{}
	client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 3 * time.Second},
		WithSleepFunc(rec.sleep))

	resp, err := client.Do(mustGet(t, context.Background(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(rec.waits) != 1 || rec.waits[0] != 3*time.Second {
		t.Errorf("expected a single 3s wait, got %v", rec.waits)
	}
}

func TestDo_CancelledDuringBackoffStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, fastPolicy(5), WithSleepFunc(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	_, err := client.Do(mustGet(t, ctx, server.URL))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", n)
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	client := newTestClient(t, fastPolicy(0), WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, _ = client.Do(mustGet(t, context.Background(), server.URL))
	}
	before := calls.Load()

	_, err := client.Do(mustGet(t, context.Background(), server.URL))
	if !types.HasCode(err, types.ErrCodeUpstreamPlatformUnavailable) {
		t.Fatalf("expected upstream code on open breaker, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState in chain, got %v", err)
	}
	if calls.Load() != before {
		t.Error("open breaker must not reach the server")
	}
}

func TestDo_NetworkErrorMapsToUpstreamCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, fastPolicy(1))
	_, err := client.Do(mustGet(t, context.Background(), url))
	if !types.HasCode(err, types.ErrCodeUpstreamPlatformUnavailable) {
		t.Fatalf("expected upstream_platform_unavailable, got %v", err)
	}
}

func TestDo_PutBodyPreservedAcrossRetries(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPut, server.URL, bytes.NewReader([]byte(`{"a":1}`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != `{"a":1}` || bodies[1] != `{"a":1}` {
		t.Errorf("body not replayed: %q", bodies)
	}
}

// TestDo_PostSentOnceOn5xx covers a gateway error in front of an upstream
// that already acted on the request: a second POST would act twice.
func TestDo_PostSentOnceOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, bytes.NewReader([]byte(`{"a":1}`)))
	_, err := client.Do(req)

	if !types.HasCode(err, types.ErrCodeUpstreamPlatformUnavailable) {
		t.Fatalf("expected upstream_platform_unavailable, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 POST, got %d", n)
	}
}

func TestRetryable(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions} {
		if !retryable(m) {
			t.Errorf("%s should be retryable", m)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPatch} {
		if retryable(m) {
			t.Errorf("%s should not be retryable", m)
		}
	}
}

func TestDoJSON_InflatesGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			t.Errorf("expected Accept-Encoding gzip, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(`{"credits":7}`))
		_ = zw.Close()
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(0))
	r, err := client.doJSON(context.Background(), http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct{ Credits int }
	if err := client.decodeJSON(r, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Credits != 7 {
		t.Errorf("expected 7 credits, got %d", out.Credits)
	}
}

func TestDecodeJSON_MalformedIsUpstreamError(t *testing.T) {
	client := newTestClient(t, fastPolicy(0))
	err := client.decodeJSON(response{StatusCode: 200, Body: []byte("<html>")}, &struct{}{})
	if !types.HasCode(err, types.ErrCodeUpstreamPlatformUnavailable) {
		t.Fatalf("expected upstream code, got %v", err)
	}
}

func TestComputeBackoff_Bounds(t *testing.T) {
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: 100 * time.Millisecond, MaxWait: time.Second})
	for attempt := 0; attempt < 8; attempt++ {
		wait := client.computeBackoff(attempt, nil)
		if wait < 100*time.Millisecond || wait > time.Second {
			t.Errorf("attempt %d: wait %v outside [100ms, 1s]", attempt, wait)
		}
	}
}
