// Package external is the boundary between the entitlement engine and the
// two remote systems it trusts: the purchase platform and the backend credit
// ledger. All outbound HTTP calls go through BaseClient, which applies circuit
// breaking, retries with backoff, request-id propagation and error mapping.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker/v2"

	"creditgate/internal/types"
)

// maxResponseBytes caps how much of an upstream body is read. Catalog and
// status replies are a few kilobytes; anything near the cap is a misbehaving
// upstream.
const maxResponseBytes = 1 << 20

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one. It only
	// applies to idempotent methods.
	MaxRetries int
	// MinWait is the floor for the jittered backoff and the wait used when a
	// Retry-After date is already in the past.
	MinWait time.Duration
	// MaxWait caps both the backoff and any Retry-After the upstream sends.
	MaxWait time.Duration
}

// DefaultRetryPolicy returns sensible defaults for upstream calls: two
// retries between 250ms and 5s, which keeps a status refresh well inside the
// request deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker. The platform and
// ledger clients embed it and add only endpoint paths and status mapping.
//
// Each upstream gets its own BaseClient, and so its own breaker: a ledger
// outage must not stop the gateway from reading platform status.
type BaseClient struct {
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy  RetryPolicy
	userAgent    string
	upstreamCode types.ErrorCode
	sleepFn      func(ctx context.Context, d time.Duration) error
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries. Intended for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithBreaker replaces the default circuit breaker, e.g. to share one between
// clients or to tune it in tests.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBaseClient creates a BaseClient. upstreamCode is the error code reported
// when the upstream is unreachable or keeps failing.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	upstreamCode types.ErrorCode,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	bc := &BaseClient{
		client:       httpClient,
		breaker:      newBreaker(breakerName),
		retryPolicy:  retryPolicy,
		userAgent:    userAgent,
		upstreamCode: upstreamCode,
		sleepFn:      sleepCtx,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// newBreaker builds the default breaker. It trips after more than five
// consecutive failed attempts, stays open for 30s, then lets a single request
// through to test the upstream. Only transport errors and 429/5xx replies
// count as failures; a 4xx is the caller's problem, not the upstream's.
func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// Do executes req with request-id and User-Agent injection, circuit breaking,
// and retries on 429/5xx (honoring Retry-After).
//
// Contract:
//  1. Any response other than 429/5xx is returned as-is; the caller must
//     close the body.
//  2. Only idempotent methods (see retryable) are retried. A POST that spends
//     credits, books a purchase or charges a store account gets exactly one
//     attempt, because the upstream may have acted on a request whose reply
//     was a 502.
//  3. Exhausted retries, an open breaker or a transport failure come back as
//     a types.AppError carrying the client's upstream code. A 429 on the last
//     attempt maps to ErrCodeUpstreamRateLimited instead.
//  4. The breaker counts every failed attempt, so a flapping upstream trips it
//     after a handful of requests rather than a handful of retry cycles.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support",
				err,
			)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1
	if retryable(req.Method) {
		maxAttempts += c.retryPolicy.MaxRetries
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			if sleepErr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(lastResp, lastErr)
}

// retryable reports whether a request with this method may be sent again
// after a 429/5xx. These are the methods RFC 9110 defines as idempotent.
func retryable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// computeBackoff determines the wait before the next attempt. Retry-After
// wins when present; otherwise exponential backoff with jitter clamped to
// [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))

	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError converts a failed attempt into the AppError callers see.
//  1. Open or half-open breaker: the client's upstream code, no attempt made.
//  2. Final reply was 429: upstream_rate_limited, so handlers can send a
//     longer Retry-After.
//  3. Final reply was 5xx: the client's upstream code with the status in the
//     message.
//  4. Anything else (DNS, reset, deadline): the client's upstream code.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			c.upstreamCode,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"upstream rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				c.upstreamCode,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(c.upstreamCode, "upstream request failed", err)
}

// response is a fully read upstream reply.
type response struct {
	StatusCode int
	Body       []byte
}

func (r response) ok() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// doJSON sends in (when non-nil) as a JSON body and reads the whole reply,
// inflating gzip-encoded bodies.
//
// Replies that survive Do (2xx and every 4xx other than 429) are returned with
// a nil error; the caller owns their mapping because a 404 or 409 means
// different things per endpoint.
func (c *BaseClient) doJSON(ctx context.Context, method, url string, header http.Header, in any) (response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return response{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return response{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	raw, err := readBody(resp)
	if err != nil {
		return response{}, types.NewAppError(c.upstreamCode, "failed to read upstream response", err)
	}
	return response{StatusCode: resp.StatusCode, Body: raw}, nil
}

// readBody reads at most maxResponseBytes of the decoded body. The limit
// applies after inflation so a small gzip bomb cannot exhaust memory.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// decodeJSON unmarshals a reply body, mapping garbage to the upstream code.
func (c *BaseClient) decodeJSON(r response, out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return types.NewAppError(c.upstreamCode, "malformed upstream response", err)
	}
	return nil
}

// unexpectedStatus reports a reply the client has no mapping for.
func (c *BaseClient) unexpectedStatus(r response) *types.AppError {
	return types.NewAppErrorWithDetails(
		c.upstreamCode,
		fmt.Sprintf("unexpected upstream status %d", r.StatusCode),
		nil,
		map[string]any{"status": r.StatusCode},
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
