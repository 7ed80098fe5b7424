package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserveRequestFeedsSnapshot(t *testing.T) {
	r := NewRegistry()

	r.ObserveRequest("orders", 200, 10*time.Millisecond)
	r.ObserveRequest("orders", 200, 20*time.Millisecond)
	r.ObserveRequest("orders", 500, 30*time.Millisecond)

	snap := r.Snapshot()
	assert.Len(t, snap.Routes, 1)
	assert.Equal(t, "orders", snap.Routes[0].Route)
	assert.Equal(t, 3, snap.Routes[0].Count)
	assert.GreaterOrEqual(t, snap.Routes[0].P99, snap.Routes[0].P50)
}

func TestPrometheusHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("orders", 200, time.Millisecond)
	r.ObserveRateLimitRejection("sliding_window")
	r.ObserveCircuitRejection("orders")
	r.SetCircuitState("orders", "open")

	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_proxy_requests_total")
}
