package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"net/netip"

	"admission-engine/internal/handler/http/respond"
)

var errForbidden = errors.New("forbidden")

// AllowClients returns middleware that answers 403 to every request whose
// client IP, as resolved by extractor, lies outside allowed. An empty
// allowed list rejects everyone.
func AllowClients(allowed []netip.Prefix, extractor IPExtractor, logger *slog.Logger) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = &RemoteAddrExtractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := extractor.ExtractIP(r)
			if err != nil || !containsIP(allowed, ip) {
				logger.Warn("rejecting request from client outside the admin allowlist",
					slog.String("client_ip", ip),
					slog.String("path", r.URL.Path))
				respond.Error(w, http.StatusForbidden, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
