// Package middleware assembles the fixed-order request pipeline as a small
// ordered list of Stage values sharing one per-request context, rather than
// a pluggable filter DSL: routing, then auth, then the two rate limiters,
// then the circuit breaker, then dispatch.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/circuit"
	"github.com/zalando-incubator/gatekeeper/internal/logging"
	"github.com/zalando-incubator/gatekeeper/internal/metrics"
	"github.com/zalando-incubator/gatekeeper/internal/proxy"
	"github.com/zalando-incubator/gatekeeper/internal/ratelimit"
	"github.com/zalando-incubator/gatekeeper/internal/routing"
)

// RequestContext carries the mutable per-request fields every stage reads
// or writes.
type RequestContext struct {
	RequestID string
	Start     time.Time
	Principal *auth.Principal
	Route     routing.Route
	RestPath  string
	Identity  string
}

// Stage is one link in the pipeline. It returns false to signal that it
// already wrote the response and the chain must stop.
type Stage interface {
	Run(ctx context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) (cont bool)
}

// Settings bundles the tunables the rate limiter stages need, loaded from
// internal/config, plus scopes the auth stage requires on every non-public
// route in addition to each route's own RequiredScopes.
type Settings struct {
	RateLimitRequests      int
	RateLimitWindowSeconds int
	TokenBucketCapacity    int
	TokenBucketRefillRate  float64
	RequiredScopes         []string
}

// Chain runs every stage in order for one request, stopping at the first
// stage that short-circuits.
type Chain struct {
	stages  []Stage
	metrics *metrics.Registry
}

// New builds the fixed six-stage pipeline.
func New(table *routing.Table, verifier *auth.Verifier, swLimiter *ratelimit.SlidingWindowLimiter, tbLimiter *ratelimit.TokenBucketLimiter, breakers *circuit.Registry, dispatcher *proxy.Dispatcher, reg *metrics.Registry, settings Settings) *Chain {
	return &Chain{
		metrics: reg,
		stages: []Stage{
			&routeStage{table: table},
			&authStage{verifier: verifier, requiredScopes: settings.RequiredScopes},
			&slidingWindowStage{limiter: swLimiter, limit: settings.RateLimitRequests, windowSeconds: settings.RateLimitWindowSeconds, metrics: reg},
			&tokenBucketStage{limiter: tbLimiter, capacity: settings.TokenBucketCapacity, refillPerSecond: settings.TokenBucketRefillRate, metrics: reg},
			&breakerStage{breakers: breakers, metrics: reg},
			&dispatchStage{breakers: breakers, dispatcher: dispatcher, metrics: reg},
		},
	}
}

// ServeHTTP assigns a request ID, starts the per-request timer, and then
// drives the stage list.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	rc := &RequestContext{RequestID: requestID, Start: time.Now()}

	for _, stage := range c.stages {
		if !stage.Run(r.Context(), rc, w, r) {
			return
		}
	}
}

func identityOf(rc *RequestContext, r *http.Request) string {
	if rc.Principal != nil {
		return rc.Principal.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}

// routeStage resolves the request path against the configured service
// table.
type routeStage struct {
	table *routing.Table
}

func (s *routeStage) Run(_ context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	route, rest, ok := s.table.Resolve(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such service")
		return false
	}
	rc.Route = route
	rc.RestPath = rest
	return true
}

// authStage verifies the bearer token and checks scopes for non-public
// routes.
type authStage struct {
	verifier       *auth.Verifier
	requiredScopes []string
}

func (s *authStage) Run(_ context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	if rc.Route.Public {
		rc.Identity = identityOf(rc, r)
		return true
	}

	token, err := auth.ExtractBearer(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		if authErr, ok := err.(*auth.Error); ok {
			writeJSONError(w, authErr.StatusCode(), authErr.Error())
		} else {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
		}
		return false
	}

	scopes := make([]string, 0, len(s.requiredScopes)+len(rc.Route.RequiredScopes))
	scopes = append(scopes, s.requiredScopes...)
	scopes = append(scopes, rc.Route.RequiredScopes...)
	if err := auth.RequireScopes(principal, scopes); err != nil {
		authErr := err.(*auth.Error)
		writeJSONError(w, authErr.StatusCode(), authErr.Error())
		return false
	}

	rc.Principal = principal
	rc.Identity = identityOf(rc, r)
	return true
}

// slidingWindowStage enforces the fixed-window-by-floor request limit.
type slidingWindowStage struct {
	limiter       *ratelimit.SlidingWindowLimiter
	limit         int
	windowSeconds int
	metrics       *metrics.Registry
}

func (s *slidingWindowStage) Run(ctx context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	decision, err := s.limiter.Check(ctx, rc.Identity, s.limit, s.windowSeconds)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "rate limiter error")
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(s.windowSeconds))

	if !decision.Allowed {
		s.metrics.ObserveRateLimitRejection("sliding_window")
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.ResetIn.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}

	return true
}

// tokenBucketStage enforces the token-bucket request limit.
type tokenBucketStage struct {
	limiter         *ratelimit.TokenBucketLimiter
	capacity        int
	refillPerSecond float64
	metrics         *metrics.Registry
}

func (s *tokenBucketStage) Run(ctx context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	decision, err := s.limiter.Consume(ctx, rc.Identity, s.capacity, s.refillPerSecond, 1)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "rate limiter error")
		return false
	}

	w.Header().Set("X-TokenBucket-Remaining", strconv.Itoa(decision.Remaining))

	if !decision.Allowed {
		s.metrics.ObserveRateLimitRejection("token_bucket")
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "token bucket exhausted")
		return false
	}

	return true
}

// breakerStage checks the circuit breaker before admitting a request to
// the upstream.
type breakerStage struct {
	breakers *circuit.Registry
	metrics  *metrics.Registry
}

func (s *breakerStage) Run(ctx context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	breaker := s.breakers.Get(rc.Route.Name)
	decision, err := breaker.Allow(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "breaker error")
		return false
	}

	s.metrics.SetCircuitState(rc.Route.Name, breaker.CachedState())

	if !decision.Admit {
		s.metrics.ObserveCircuitRejection(rc.Route.Name)
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		writeJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("service %s unavailable", rc.Route.Name))
		return false
	}

	return true
}

// dispatchStage forwards the request to the upstream, reports the outcome
// to the circuit breaker, and records request metrics and the access log.
type dispatchStage struct {
	breakers   *circuit.Registry
	dispatcher *proxy.Dispatcher
	metrics    *metrics.Registry
}

func (s *dispatchStage) Run(ctx context.Context, rc *RequestContext, w http.ResponseWriter, r *http.Request) bool {
	result := s.dispatcher.Dispatch(ctx, rc.Route, rc.RestPath, w, r, rc.RequestID)
	breaker := s.breakers.Get(rc.Route.Name)

	switch result.Outcome {
	case proxy.OutcomeSuccess:
		if err := breaker.ReportSuccess(ctx); err != nil {
			log.WithError(err).Warn("failed to report breaker success")
		}
	case proxy.OutcomeFailure:
		if err := breaker.ReportFailure(ctx); err != nil {
			log.WithError(err).Warn("failed to report breaker failure")
		}
	case proxy.OutcomeCancelled:
		if err := breaker.Release(ctx); err != nil {
			log.WithError(err).Warn("failed to release breaker probe slot")
		}
	}

	statusCode := result.StatusCode
	if result.Outcome == proxy.OutcomeCancelled {
		// The client is already gone; there is no response to write and no
		// real HTTP status to count towards request metrics.
		statusCode = 0
	} else if statusCode == 0 {
		switch result.Err {
		case proxy.ErrTimeout:
			statusCode = http.StatusGatewayTimeout
		default:
			statusCode = http.StatusBadGateway
		}
		writeJSONError(w, statusCode, "upstream error")
	}

	if result.Outcome != proxy.OutcomeCancelled {
		s.metrics.ObserveRequest(rc.Route.Name, statusCode, result.Latency)
	}
	logging.LogAccess(&logging.AccessEntry{
		Request:      r,
		StatusCode:   statusCode,
		Duration:     time.Since(rc.Start),
		RequestID:    rc.RequestID,
		Identity:     rc.Identity,
		RouteService: rc.Route.Name,
	})

	return false
}
