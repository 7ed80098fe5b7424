// Package admin implements the read-only and operator-facing surface:
// service listing, circuit inspection and reset, and the two health
// endpoints. It reads the route table and circuit registry directly
// rather than going through the middleware chain, since none of these
// endpoints are proxied requests.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zalando-incubator/gatekeeper/internal/auth"
	"github.com/zalando-incubator/gatekeeper/internal/circuit"
	"github.com/zalando-incubator/gatekeeper/internal/routing"
	"github.com/zalando-incubator/gatekeeper/internal/store"
)

// Handler bundles the collaborators the admin surface reads from.
type Handler struct {
	table    *routing.Table
	breakers *circuit.Registry
	store    store.Store
	verifier *auth.Verifier
}

// New builds a Handler. verifier is used only to guard GET /api/services;
// the other admin endpoints are unauthenticated.
func New(table *routing.Table, breakers *circuit.Registry, s store.Store, verifier *auth.Verifier) *Handler {
	return &Handler{table: table, breakers: breakers, store: s, verifier: verifier}
}

// Register mounts every admin route on mux, using Go's method-and-pattern
// ServeMux routing rather than pulling in a router dependency none of the
// retrieval pack specifically favors for a surface this small.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services", h.requireAuth(h.listServices))
	mux.HandleFunc("GET /api/circuits", h.listCircuits)
	mux.HandleFunc("POST /api/circuits/{service}/reset", h.resetCircuit)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /health/detailed", h.healthDetailed)
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearer(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if _, err := h.verifier.Verify(token); err != nil {
			if authErr, ok := err.(*auth.Error); ok {
				writeJSON(w, authErr.StatusCode(), map[string]string{"error": authErr.Error()})
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r)
	}
}

type serviceView struct {
	Name            string   `json:"name"`
	UpstreamBaseURL string   `json:"upstream_base_url"`
	TimeoutSeconds  float64  `json:"timeout_seconds"`
	RequiredScopes  []string `json:"required_scopes"`
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	routes := h.table.All()
	out := make([]serviceView, 0, len(routes))
	for _, route := range routes {
		out = append(out, serviceView{
			Name:            route.Name,
			UpstreamBaseURL: route.UpstreamBaseURL,
			TimeoutSeconds:  route.Timeout.Seconds(),
			RequiredScopes:  route.RequiredScopes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type circuitView struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	ConsecutiveSuccess  int    `json:"consecutive_success"`
	HalfOpenInFlight    int    `json:"half_open_in_flight"`
}

func (h *Handler) listCircuits(w http.ResponseWriter, r *http.Request) {
	routes := h.table.All()
	out := make([]circuitView, 0, len(routes))

	for _, route := range routes {
		rec, err := h.breakers.Get(route.Name).Snapshot(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "circuit state unavailable"})
			return
		}
		out = append(out, circuitView{
			Service:             route.Name,
			State:               rec.State,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			ConsecutiveSuccess:  rec.ConsecutiveSuccess,
			HalfOpenInFlight:    rec.HalfOpenInFlight,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// resetCircuit is idempotent: it succeeds regardless of the circuit's
// prior state, and for a service the gateway has never routed to it
// simply creates a fresh closed breaker.
func (h *Handler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if _, _, ok := h.table.Resolve("/api/" + service + "/x"); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such service"})
		return
	}

	if err := h.breakers.Get(service).Reset(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// health is a liveness probe: the process is up and serving.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthDetailed additionally checks connectivity to the shared store and
// summarizes circuit state across every configured service, for a readiness
// probe that should fail before the gateway is added to a load balancer.
func (h *Handler) healthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeUp := h.store.Ping(ctx) == nil
	storeStatus := "up"
	if !storeUp {
		storeStatus = "down"
	}

	routes := h.table.All()
	circuits := make([]circuitHealth, 0, len(routes))
	for _, route := range routes {
		rec, err := h.breakers.Get(route.Name).Snapshot(ctx)
		available := err == nil && rec.State != circuit.StateOpen
		state := circuit.StateClosed
		if err == nil {
			state = rec.State
		}
		circuits = append(circuits, circuitHealth{Service: route.Name, State: state, Available: available})
	}

	status := http.StatusOK
	if !storeUp {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, healthDetail{
		Status:   "ok",
		Circuits: circuits,
		Store:    storeStatus,
	})
}

// healthDetail is the payload for GET /health/detailed.
type healthDetail struct {
	Status   string          `json:"status"`
	Circuits []circuitHealth `json:"circuits"`
	Store    string          `json:"store"`
}

type circuitHealth struct {
	Service   string `json:"service"`
	State     string `json:"state"`
	Available bool   `json:"available"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
