// Package routing holds the route table: an immutable, read-only-after-
// startup mapping from service name to upstream, built once at
// configuration load and consulted on every proxied request.
package routing

import (
	"strings"
	"time"
)

// Route describes one configured upstream service: its name, upstream base
// URL, dispatch timeout, public/auth-required flag, and required scopes.
type Route struct {
	Name            string
	UpstreamBaseURL string
	Timeout         time.Duration
	Public          bool
	RequiredScopes  []string
}

// Table is the immutable route table built at startup: a read-only,
// slice/map-backed lookup structure, nothing mutated at request time.
type Table struct {
	routes map[string]Route
	order  []string
}

// NewTable builds a Table from routes. Order is preserved for the
// /api/services listing.
func NewTable(routes []Route) *Table {
	t := &Table{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.routes[r.Name] = r
		t.order = append(t.order, r.Name)
	}
	return t
}

// Resolve splits a path of the form /api/<service>/<rest...> and looks up
// the service. ok is false if the path does not have the expected shape or
// the service is not configured.
func (t *Table) Resolve(path string) (route Route, rest string, ok bool) {
	const prefix = "/api/"
	if !strings.HasPrefix(path, prefix) {
		return Route{}, "", false
	}

	remainder := path[len(prefix):]
	service, rest, _ := strings.Cut(remainder, "/")

	r, found := t.routes[service]
	if !found {
		return Route{}, "", false
	}

	return r, rest, true
}

// All returns every configured route in declaration order, for the
// /api/services admin endpoint.
func (t *Table) All() []Route {
	out := make([]Route, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.routes[name])
	}
	return out
}
