// Package pathutil normalizes request paths for use as metric labels and
// monitor endpoint names.
package pathutil

import (
	"regexp"
	"strings"
)

// IDPlaceholder replaces path segments that look like identifiers.
const IDPlaceholder = ":id"

// idPatterns match segments that identify a resource rather than a route.
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d+$`),
	regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
	regexp.MustCompile(`^[0-9a-fA-F]{16,}$`),
}

// NormalizePath collapses identifier segments so that per-resource paths
// share one label and endpoint.
//
//	NormalizePath("/v1/items/123")             // "/v1/items/:id"
//	NormalizePath("/users/9f1c...-.../keys")   // "/users/:id/keys"
//	NormalizePath("/v1/stats")                 // "/v1/stats"
//	NormalizePath("/v1/items/123/?page=1")     // "/v1/items/:id"
func NormalizePath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if seg != "" && isID(seg) {
			segments[i] = IDPlaceholder
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

func isID(segment string) bool {
	for _, p := range idPatterns {
		if p.MatchString(segment) {
			return true
		}
	}
	return false
}
