// Package metrics fans one set of request observations out to two
// backends: a Prometheus registry of namespace/subsystem-qualified
// vectors, and a bounded per-route latency reservoir from which
// percentiles are estimated for a JSON snapshot.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Registry is the process-local metrics sink. It is safe for concurrent
// use from every request goroutine.
type Registry struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	rateLimitRejections *prometheus.CounterVec
	circuitRejections   *prometheus.CounterVec
	circuitState        *prometheus.GaugeVec
	storeFailOpen       *prometheus.CounterVec

	promRegistry *prometheus.Registry
	handler      http.Handler

	mu        sync.Mutex
	latencies map[string]*reservoir
}

// reservoirSize bounds the per-route latency ring to a fixed-size ring of
// recent samples.
const reservoirSize = 256

type reservoir struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newReservoir() *reservoir {
	return &reservoir{samples: make([]time.Duration, reservoirSize)}
}

func (r *reservoir) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % reservoirSize
	if r.next == 0 {
		r.filled = true
	}
}

func (r *reservoir) snapshot() []time.Duration {
	if r.filled {
		out := make([]time.Duration, reservoirSize)
		copy(out, r.samples)
		return out
	}
	out := make([]time.Duration, r.next)
	copy(out, r.samples[:r.next])
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// NewRegistry builds a Registry with its own prometheus.Registry rather
// than the global default one, so tests can spin up independent
// instances.
func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()

	r := &Registry{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total proxied requests by route and status class.",
		}, []string{"route", "status_class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied requests by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by a rate limiter, by algorithm.",
		}, []string{"algorithm"}),
		circuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "rejections_total",
			Help:      "Requests fast-rejected by an open circuit breaker, by service.",
		}, []string{"service"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Current circuit state per service (0=closed, 1=half_open, 2=open).",
		}, []string{"service"}),
		storeFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fail_open_total",
			Help:      "Times a limiter or breaker admitted a request, or a breaker dropped a state update, because the shared store was unreachable.",
		}, []string{"component"}),
		promRegistry: promReg,
		latencies:    make(map[string]*reservoir),
	}

	promReg.MustRegister(r.requestsTotal, r.requestDuration, r.rateLimitRejections, r.circuitRejections, r.circuitState, r.storeFailOpen)
	r.handler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	return r
}

// PrometheusHandler serves GET /metrics/prometheus.
func (r *Registry) PrometheusHandler() http.Handler {
	return r.handler
}

// ObserveRequest records one proxied request's outcome and latency.
func (r *Registry) ObserveRequest(route string, statusCode int, latency time.Duration) {
	r.requestsTotal.WithLabelValues(route, statusClass(statusCode)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(latency.Seconds())

	r.mu.Lock()
	res, ok := r.latencies[route]
	if !ok {
		res = newReservoir()
		r.latencies[route] = res
	}
	res.add(latency)
	r.mu.Unlock()
}

// ObserveRateLimitRejection records a 429 from either limiter algorithm.
func (r *Registry) ObserveRateLimitRejection(algorithm string) {
	r.rateLimitRejections.WithLabelValues(algorithm).Inc()
}

// ObserveCircuitRejection records a fast-reject 503 for service.
func (r *Registry) ObserveCircuitRejection(service string) {
	r.circuitRejections.WithLabelValues(service).Inc()
}

// SetCircuitState updates the state gauge for service.
func (r *Registry) SetCircuitState(service, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	r.circuitState.WithLabelValues(service).Set(v)
}

// ObserveStoreFailOpen records that component admitted a request, or (for a
// breaker) dropped a state update, because the shared store could not be
// reached.
func (r *Registry) ObserveStoreFailOpen(component string) {
	r.storeFailOpen.WithLabelValues(component).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// RouteSnapshot is one route's entry in the JSON snapshot.
type RouteSnapshot struct {
	Route string `json:"route"`
	P50   int64  `json:"p50_ms"`
	P95   int64  `json:"p95_ms"`
	P99   int64  `json:"p99_ms"`
	Count int    `json:"sample_count"`
}

// Snapshot is the payload for GET /metrics.
type Snapshot struct {
	Routes []RouteSnapshot `json:"routes"`
}

// Snapshot computes p50/p95/p99 over each route's latency reservoir.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	routes := make([]string, 0, len(r.latencies))
	copies := make(map[string][]time.Duration, len(r.latencies))
	for route, res := range r.latencies {
		routes = append(routes, route)
		copies[route] = res.snapshot()
	}
	r.mu.Unlock()

	sort.Strings(routes)

	out := Snapshot{Routes: make([]RouteSnapshot, 0, len(routes))}
	for _, route := range routes {
		samples := copies[route]
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

		out.Routes = append(out.Routes, RouteSnapshot{
			Route: route,
			P50:   int64(percentile(samples, 0.50) / time.Millisecond),
			P95:   int64(percentile(samples, 0.95) / time.Millisecond),
			P99:   int64(percentile(samples, 0.99) / time.Millisecond),
			Count: len(samples),
		})
	}

	return out
}
