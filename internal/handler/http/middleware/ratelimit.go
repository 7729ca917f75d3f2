package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"admission-engine/internal/handler/http/pathutil"
	"admission-engine/internal/handler/http/respond"
	"admission-engine/internal/handler/http/responsewriter"
	"admission-engine/pkg/ratelimit"
)

// Checker is the part of ratelimit.Limiter the middleware needs.
type Checker interface {
	CheckPolicy(ctx context.Context, identifier, policy string, opts ...ratelimit.CheckOption) (*ratelimit.AdmissionResult, error)
}

// KeyFunc derives the identifier a request is limited by. clientIP is the
// address resolved by the configured IPExtractor.
type KeyFunc func(r *http.Request, clientIP string) (string, error)

// PolicyFunc names the policy that applies to a request. An empty name
// means the request is not limited.
type PolicyFunc func(r *http.Request) string

// ErrNoIdentifier is returned by a KeyFunc that cannot identify the caller.
var ErrNoIdentifier = errors.New("no rate limit identifier")

// ClientIPKey limits by client IP address.
func ClientIPKey(_ *http.Request, clientIP string) (string, error) {
	if clientIP == "" {
		return "", ErrNoIdentifier
	}
	return "ip:" + clientIP, nil
}

// HeaderKey limits by the value of header, for example an API key header.
// Requests without the header fall back to the client IP.
//
// The header value is taken as-is. Use it only behind a gateway that
// authenticates the header and overwrites whatever the client sent.
func HeaderKey(header string) KeyFunc {
	return func(r *http.Request, clientIP string) (string, error) {
		if v := r.Header.Get(header); v != "" {
			return "key:" + v, nil
		}
		return ClientIPKey(r, clientIP)
	}
}

// KeyFor returns HeaderKey(header), or ClientIPKey when header is empty.
func KeyFor(header string) KeyFunc {
	if header == "" {
		return ClientIPKey
	}
	return HeaderKey(header)
}

// RateLimitConfig configures the RateLimit middleware.
type RateLimitConfig struct {
	Limiter Checker

	// Policy selects the policy per request. Required.
	Policy PolicyFunc

	// Key derives the identifier. Default: ClientIPKey.
	Key KeyFunc

	// IPExtractor resolves the client IP. Default: RemoteAddrExtractor.
	IPExtractor IPExtractor

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RateLimit returns middleware that admits or rejects each request through
// the limiter.
//
// Response headers:
//   - X-RateLimit-Limit: limit of the applied policy
//   - X-RateLimit-Remaining: unit-cost requests still admissible
//   - X-RateLimit-Reset: Unix time at which the budget is fully restored
//   - X-RateLimit-Policy: name of the applied policy
//   - Retry-After: seconds to wait, on 429 only
//
// Requests that cannot be identified, and checks that fail with a
// configuration error, are let through and logged.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Key == nil {
		cfg.Key = ClientIPKey
	}
	if cfg.IPExtractor == nil {
		cfg.IPExtractor = &RemoteAddrExtractor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := cfg.Policy(r)
			if policy == "" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP, err := cfg.IPExtractor.ExtractIP(r)
			if err != nil {
				logger.Warn("rate limiter: could not resolve client IP",
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err))
			}

			identifier, err := cfg.Key(r, clientIP)
			if err != nil || identifier == "" {
				logger.Warn("rate limiter: no identifier, allowing request",
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			endpoint := pathutil.NormalizePath(r.URL.Path)
			result, err := cfg.Limiter.CheckPolicy(r.Context(), identifier, policy,
				ratelimit.WithEndpoint(endpoint),
				ratelimit.WithSourceIP(clientIP),
			)
			if err != nil {
				logger.Error("rate limiter: check failed, allowing request",
					slog.String("policy", policy),
					slog.String("identifier", identifier),
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			SetRateLimitHeaders(w.Header(), result)
			w.Header().Set(responsewriter.PolicyHeader, policy)

			if !result.Allowed {
				logger.Warn("rate limit exceeded",
					slog.String("policy", policy),
					slog.String("identifier", identifier),
					slog.String("algorithm", result.Algorithm.String()),
					slog.Int("limit", result.Limit),
					slog.Duration("retry_after", result.RetryAfter),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				respond.RateLimited(w, result.RetryAfterSeconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for result.
func SetRateLimitHeaders(h http.Header, result *ratelimit.AdmissionResult) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAtUnix(), 10))
}
