package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTable() *Table {
	return NewTable([]Route{
		{Name: "orders", UpstreamBaseURL: "http://orders-service:8002", Timeout: 5 * time.Second},
		{Name: "users", UpstreamBaseURL: "http://users-service:8001", Timeout: 5 * time.Second},
	})
}

// TestResolveNotFound covers S5: an unconfigured service resolves to
// not-found without any upstream interaction.
func TestResolveNotFound(t *testing.T) {
	table := testTable()

	_, _, ok := table.Resolve("/api/nonexistent/x")
	assert.False(t, ok)
}

func TestResolveSplitsRest(t *testing.T) {
	table := testTable()

	route, rest, ok := table.Resolve("/api/orders/42/items")
	assert.True(t, ok)
	assert.Equal(t, "orders", route.Name)
	assert.Equal(t, "42/items", rest)
}

func TestResolveRejectsNonAPIPaths(t *testing.T) {
	table := testTable()

	_, _, ok := table.Resolve("/health")
	assert.False(t, ok)
}

// TestResolvePreservesPublicFlag covers the public-flag half of the
// ServiceRoute tuple: a route marked public round-trips through Resolve
// unchanged so authStage can see it.
func TestResolvePreservesPublicFlag(t *testing.T) {
	table := NewTable([]Route{
		{Name: "catalog", UpstreamBaseURL: "http://catalog-service:8005", Timeout: 5 * time.Second, Public: true},
		{Name: "orders", UpstreamBaseURL: "http://orders-service:8002", Timeout: 5 * time.Second},
	})

	route, _, ok := table.Resolve("/api/catalog/widgets")
	assert.True(t, ok)
	assert.True(t, route.Public)

	route, _, ok = table.Resolve("/api/orders/1")
	assert.True(t, ok)
	assert.False(t, route.Public)
}

func TestAllPreservesOrder(t *testing.T) {
	table := testTable()

	names := []string{}
	for _, r := range table.All() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"orders", "users"}, names)
}
