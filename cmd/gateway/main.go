// This command provides the executable API gateway: rate limiting, a
// per-service circuit breaker, bearer-token auth, and a reverse-proxy
// dispatcher in front of a small set of configured upstream services.
//
// Configuration is entirely environment-driven; see internal/config for the
// full list of variables. Routes are loaded from the JSON file named by
// GATEWAY_ROUTES_FILE, falling back to a small built-in set of services if
// unset.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/gatekeeper/internal/config"
	"github.com/zalando-incubator/gatekeeper/internal/gateway"
	"github.com/zalando-incubator/gatekeeper/internal/routing"
)

// Exit codes: 0 normal, non-zero on configuration error, port binding
// failure, or a fatal shared-store connection error at startup.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStartupError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}

	routes, err := loadRoutes(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "route configuration error:", err)
		return exitConfigError
	}

	gw, err := gateway.New(cfg, routes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		return exitStartupError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Run()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("gateway stopped unexpectedly")
			return exitStartupError
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("error during graceful shutdown")
			return exitStartupError
		}
	}

	return exitOK
}

// routeConfig is the on-disk shape read from GATEWAY_ROUTES_FILE.
type routeConfig struct {
	Name            string   `json:"name"`
	UpstreamBaseURL string   `json:"upstream_base_url"`
	TimeoutSeconds  float64  `json:"timeout_seconds"`
	Public          bool     `json:"public"`
	RequiredScopes  []string `json:"required_scopes"`
}

// loadRoutes reads the route table from GATEWAY_ROUTES_FILE if set, falling
// back to the small built-in service set the reference gateway ships with.
func loadRoutes(cfg config.Config) ([]routing.Route, error) {
	path := os.Getenv("GATEWAY_ROUTES_FILE")
	if path == "" {
		return defaultRoutes(cfg.UpstreamTimeout), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file %s: %w", path, err)
	}

	var raw []routeConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}

	routes := make([]routing.Route, 0, len(raw))
	for _, rc := range raw {
		timeout := cfg.UpstreamTimeout
		if rc.TimeoutSeconds > 0 {
			timeout = time.Duration(rc.TimeoutSeconds * float64(time.Second))
		}
		routes = append(routes, routing.Route{
			Name:            rc.Name,
			UpstreamBaseURL: rc.UpstreamBaseURL,
			Timeout:         timeout,
			Public:          rc.Public,
			RequiredScopes:  rc.RequiredScopes,
		})
	}

	return routes, nil
}

// defaultRoutes is the built-in four-service layout: users, orders,
// products, payments, each behind its own internal hostname.
func defaultRoutes(timeout time.Duration) []routing.Route {
	return []routing.Route{
		{Name: "users", UpstreamBaseURL: "http://users-service:8001", Timeout: timeout},
		{Name: "orders", UpstreamBaseURL: "http://orders-service:8002", Timeout: timeout},
		{Name: "products", UpstreamBaseURL: "http://products-service:8003", Timeout: timeout},
		{Name: "payments", UpstreamBaseURL: "http://payments-service:8004", Timeout: timeout},
	}
}
