// Package gateway wires every component into one http.Handler and owns the
// HTTP server's lifecycle, keeping a single New/Run split between
// construction and serving so cmd/gateway stays a thin entrypoint.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/gatekeeper/internal/admin"
	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/authhttp"
	"github.com/zalando-incubator/gatekeeper/internal/circuit"
	"github.com/zalando-incubator/gatekeeper/internal/config"
	"github.com/zalando-incubator/gatekeeper/internal/credentials"
	"github.com/zalando-incubator/gatekeeper/internal/logging"
	"github.com/zalando-incubator/gatekeeper/internal/metrics"
	"github.com/zalando-incubator/gatekeeper/internal/middleware"
	"github.com/zalando-incubator/gatekeeper/internal/proxy"
	"github.com/zalando-incubator/gatekeeper/internal/ratelimit"
	"github.com/zalando-incubator/gatekeeper/internal/routing"
	"github.com/zalando-incubator/gatekeeper/internal/store"
)

// Gateway owns every long-lived collaborator and the HTTP server built from
// them.
type Gateway struct {
	cfg     config.Config
	store   store.Store
	metrics *metrics.Registry
	server  *http.Server
}

// New constructs a Gateway from cfg and routes. The caller supplies routes
// directly; loading them from a file or another source is the embedding
// binary's concern.
func New(cfg config.Config, routes []routing.Route) (*Gateway, error) {
	logging.Init(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	redisStore, err := store.NewRedisStore(store.Options{URL: cfg.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("connect to shared store: %w", err)
	}

	metricsRegistry := metrics.NewRegistry()
	table := routing.NewTable(routes)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTLeeway)
	users := credentials.NewRegistry()
	breakers := circuit.NewRegistry(redisStore, circuit.Settings{
		FailureThreshold: cfg.CircuitFailureThreshold,
		RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
		HalfOpenRequests: cfg.CircuitHalfOpenRequests,
	}, metricsRegistry)
	swLimiter := ratelimit.NewSlidingWindowLimiter(redisStore, metricsRegistry)
	tbLimiter := ratelimit.NewTokenBucketLimiter(redisStore, metricsRegistry)
	dispatcher := proxy.NewDispatcher()

	chain := middleware.New(table, verifier, swLimiter, tbLimiter, breakers, dispatcher, metricsRegistry, middleware.Settings{
		RateLimitRequests:      cfg.RateLimitRequests,
		RateLimitWindowSeconds: cfg.RateLimitWindowSeconds,
		TokenBucketCapacity:    cfg.TokenBucketCapacity,
		TokenBucketRefillRate:  cfg.TokenBucketRefillRate,
	})

	mux := http.NewServeMux()
	admin.New(table, breakers, redisStore, verifier).Register(mux)
	authhttp.New(users, verifier, cfg.AccessTokenTTL).Register(mux)
	mux.Handle("GET /metrics/prometheus", metricsRegistry.PrometheusHandler())
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metricsRegistry.Snapshot()) //nolint:errcheck
	})
	mux.Handle("/api/", chain)

	return &Gateway{
		cfg:     cfg,
		store:   redisStore,
		metrics: metricsRegistry,
		server: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: mux,
		},
	}, nil
}

// ListenAddr reports the address the server is configured to bind, for
// logging at startup.
func (g *Gateway) ListenAddr() string {
	return g.server.Addr
}

// Run starts serving HTTP and blocks until the server stops, per
// http.Server.ListenAndServe's contract. It returns http.ErrServerClosed on
// a clean Shutdown, which the caller should not treat as a failure.
func (g *Gateway) Run() error {
	log.WithField("addr", g.server.Addr).Info("gateway listening")
	return g.server.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the shared-store connection,
// for graceful shutdown on SIGINT/SIGTERM.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down HTTP server: %w", err)
	}
	return g.store.Close()
}
