package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/circuit"
	"github.com/zalando-incubator/gatekeeper/internal/metrics"
	"github.com/zalando-incubator/gatekeeper/internal/proxy"
	"github.com/zalando-incubator/gatekeeper/internal/ratelimit"
	"github.com/zalando-incubator/gatekeeper/internal/routing"
	"github.com/zalando-incubator/gatekeeper/internal/store"
)

const chainTestSecret = "chain-test-secret"

func newTestChain(t *testing.T, upstream *httptest.Server, settings Settings) (*Chain, *auth.Verifier) {
	t.Helper()

	mem := store.NewMemoryStore()
	table := routing.NewTable([]routing.Route{
		{Name: "orders", UpstreamBaseURL: upstream.URL, Timeout: 2 * time.Second},
	})
	verifier := auth.NewVerifier(chainTestSecret, time.Second)
	reg := metrics.NewRegistry()
	swLimiter := ratelimit.NewSlidingWindowLimiter(mem, reg)
	tbLimiter := ratelimit.NewTokenBucketLimiter(mem, reg)
	breakers := circuit.NewRegistry(mem, circuit.Settings{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenRequests: 2}, reg)
	dispatcher := proxy.NewDispatcher()

	return New(table, verifier, swLimiter, tbLimiter, breakers, dispatcher, reg, settings), verifier
}

func authedRequest(t *testing.T, verifier *auth.Verifier, method, path string) *http.Request {
	t.Helper()
	token, _, err := verifier.Issue("alice", nil, nil, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// TestChainRejectsMissingToken covers step 2 of the fixed pipeline order:
// a non-public route short-circuits with 401 before touching any limiter.
func TestChainRejectsMissingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be contacted for an unauthenticated request")
	}))
	defer upstream.Close()

	chain, _ := newTestChain(t, upstream, Settings{RateLimitRequests: 10, RateLimitWindowSeconds: 60, TokenBucketCapacity: 10, TokenBucketRefillRate: 1})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest("GET", "/api/orders/1", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestChainProxiesAuthenticatedRequest exercises the full happy path through
// every stage, including header hygiene (property 6) on the returned
// response.
func TestChainProxiesAuthenticatedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", r.Header.Get("Connection"))
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	chain, verifier := newTestChain(t, upstream, Settings{RateLimitRequests: 10, RateLimitWindowSeconds: 60, TokenBucketCapacity: 10, TokenBucketRefillRate: 1})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, authedRequest(t, verifier, "GET", "/api/orders/1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", rec.Header().Get("Connection"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

// TestChainDeniesOverSlidingWindowLimit covers S1's deny branch end-to-end,
// including the Retry-After header.
func TestChainDeniesOverSlidingWindowLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	chain, verifier := newTestChain(t, upstream, Settings{RateLimitRequests: 1, RateLimitWindowSeconds: 60, TokenBucketCapacity: 10, TokenBucketRefillRate: 1})

	first := httptest.NewRecorder()
	chain.ServeHTTP(first, authedRequest(t, verifier, "GET", "/api/orders/1"))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	chain.ServeHTTP(second, authedRequest(t, verifier, "GET", "/api/orders/1"))

	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

// TestChainUnknownServiceIsNotFound covers S5: the breaker and dispatcher
// are never consulted for an unconfigured service.
func TestChainUnknownServiceIsNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be contacted for an unresolved route")
	}))
	defer upstream.Close()

	chain, verifier := newTestChain(t, upstream, Settings{RateLimitRequests: 10, RateLimitWindowSeconds: 60, TokenBucketCapacity: 10, TokenBucketRefillRate: 1})

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, authedRequest(t, verifier, "GET", "/api/nonexistent/x"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestChainOpensCircuitAfterConsecutiveFailures covers S3 end-to-end: once
// the upstream fails enough times to trip the breaker, subsequent requests
// fast-fail with 503 without a new upstream call.
func TestChainOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	chain, verifier := newTestChain(t, upstream, Settings{RateLimitRequests: 100, RateLimitWindowSeconds: 60, TokenBucketCapacity: 100, TokenBucketRefillRate: 10})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, authedRequest(t, verifier, "GET", "/api/orders/1"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, authedRequest(t, verifier, "GET", "/api/orders/1"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 3, calls)
}
