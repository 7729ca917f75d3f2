package http

import (
	"log/slog"
	"net/http"

	"admission-engine/internal/handler/http/requestid"
	"admission-engine/internal/observability/slo"
	"admission-engine/internal/observability/tracing"
)

// DefaultMaxBodyBytes caps request bodies of the admin API.
const DefaultMaxBodyBytes = 1 << 20

// RouterConfig holds the handlers and middleware the server is built from.
type RouterConfig struct {
	Admin   *AdminHandler
	Health  http.Handler
	Metrics http.Handler

	// AdminGuard decides who may reach the /v1/ routes at all. It runs
	// before RateLimit, so rejected clients consume no budget. Nil admits
	// everyone.
	AdminGuard func(http.Handler) http.Handler

	// RateLimit guards the /v1/ routes. Nil leaves them unlimited.
	RateLimit func(http.Handler) http.Handler

	// SLO receives every response. Optional.
	SLO *slo.Tracker

	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter assembles the admin API.
//
//	GET  /health          liveness and storage status
//	GET  /metrics         Prometheus metrics
//	GET  /v1/stats        violation statistics
//	GET  /v1/performance  per-endpoint request statistics
//	POST /v1/check        ad-hoc admission check
//
// /health and /metrics are never rate limited, so probes and scrapes keep
// working while a client is being throttled. The /v1/ routes are internal:
// POST /v1/check spends the budget of whatever identifier it names, so
// production wiring restricts them with AdminGuard.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/stats", cfg.Admin.Stats)
	api.HandleFunc("GET /v1/performance", cfg.Admin.Performance)
	api.HandleFunc("POST /v1/check", cfg.Admin.Check)

	var protected http.Handler = api
	if cfg.RateLimit != nil {
		protected = cfg.RateLimit(protected)
	}
	if cfg.AdminGuard != nil {
		protected = cfg.AdminGuard(protected)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	if cfg.Health != nil {
		mux.Handle("GET /health", cfg.Health)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return Chain(mux,
		Recover(cfg.Logger),
		requestid.Middleware,
		tracing.Middleware,
		Logging(cfg.Logger),
		Metrics(cfg.SLO),
		LimitRequestBody(cfg.MaxBodyBytes),
	)
}
