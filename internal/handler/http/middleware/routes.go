package middleware

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// Route maps a path prefix to a policy name.
type Route struct {
	Prefix string
	Policy string
}

type routeTable struct {
	routes        []Route
	defaultPolicy string
}

// RouteTable resolves the policy for a request by longest path prefix.
// Set swaps the whole table at once, so a policy reload never exposes a
// half-updated mapping.
type RouteTable struct {
	table atomic.Pointer[routeTable]
}

// NewRouteTable creates a table. An empty defaultPolicy leaves unmatched
// paths unlimited.
func NewRouteTable(routes []Route, defaultPolicy string) *RouteTable {
	t := &RouteTable{}
	t.Set(routes, defaultPolicy)
	return t
}

// Set replaces the routes and the default policy.
func (t *RouteTable) Set(routes []Route, defaultPolicy string) {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	t.table.Store(&routeTable{routes: sorted, defaultPolicy: defaultPolicy})
}

// Lookup returns the policy for path, or "" when none applies.
func (t *RouteTable) Lookup(path string) string {
	table := t.table.Load()
	for _, route := range table.routes {
		if matchPrefix(path, route.Prefix) {
			return route.Policy
		}
	}
	return table.defaultPolicy
}

// PolicyFunc adapts the table to the RateLimit middleware.
func (t *RouteTable) PolicyFunc() PolicyFunc {
	return func(r *http.Request) string {
		return t.Lookup(r.URL.Path)
	}
}

// matchPrefix matches whole path segments: "/v1/login" matches
// "/v1/login" and "/v1/login/otp" but not "/v1/loginx".
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
