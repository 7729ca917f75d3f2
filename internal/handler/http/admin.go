package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"admission-engine/internal/handler/http/middleware"
	"admission-engine/internal/handler/http/respond"
	"admission-engine/internal/observability/logging"
	"admission-engine/pkg/monitor"
	"admission-engine/pkg/ratelimit"
)

// StatsProvider is the part of monitor.Monitor the admin API reads.
type StatsProvider interface {
	GetStats() monitor.RateLimitStats
	GetPerformanceStats() monitor.PerformanceStats
}

// AdminHandler serves the monitor statistics and the check endpoint.
type AdminHandler struct {
	Limiter middleware.Checker
	Monitor StatsProvider
	Logger  *slog.Logger
}

// Stats handles GET /v1/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, h.Monitor.GetStats())
}

// Performance handles GET /v1/performance.
func (h *AdminHandler) Performance(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, h.Monitor.GetPerformanceStats())
}

// CheckRequest is the body of POST /v1/check.
type CheckRequest struct {
	Identifier string `json:"identifier"`
	Policy     string `json:"policy"`
	Cost       int    `json:"cost,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	SourceIP   string `json:"source_ip,omitempty"`
}

// CheckResponse is the admission decision returned by POST /v1/check.
type CheckResponse struct {
	Allowed      bool           `json:"allowed"`
	Identifier   string         `json:"identifier"`
	Policy       string         `json:"policy"`
	Algorithm    string         `json:"algorithm"`
	Limit        int            `json:"limit"`
	Remaining    int            `json:"remaining"`
	ResetAt      time.Time      `json:"reset_at"`
	RetryAfterMs int64          `json:"retry_after_ms"`
	Storage      string         `json:"storage"`
	Reason       string         `json:"reason,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Check handles POST /v1/check. It consumes budget exactly like a request
// through the middleware would. A rejection is a 200 response with
// "allowed": false; the X-RateLimit-* headers are set either way.
func (h *AdminHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest,
			respond.NewAppError(http.StatusBadRequest, "invalid request body", err))
		return
	}
	if req.Identifier == "" {
		respond.Error(w, http.StatusBadRequest, errors.New("identifier is required"))
		return
	}
	if req.Policy == "" {
		respond.Error(w, http.StatusBadRequest, errors.New("policy is required"))
		return
	}
	if req.Cost < 0 {
		respond.Error(w, http.StatusBadRequest, errors.New("cost must be at least 1"))
		return
	}

	opts := []ratelimit.CheckOption{
		ratelimit.WithEndpoint(req.Endpoint),
		ratelimit.WithSourceIP(req.SourceIP),
	}
	if req.Cost > 0 {
		opts = append(opts, ratelimit.WithCost(req.Cost))
	}

	result, err := h.Limiter.CheckPolicy(r.Context(), req.Identifier, req.Policy, opts...)
	if err != nil {
		h.logger(r.Context()).Warn("admission check failed",
			slog.String("identifier", req.Identifier),
			slog.String("policy", req.Policy),
			slog.Any("error", err))
		respond.Fail(w, http.StatusInternalServerError, checkError(err))
		return
	}

	middleware.SetRateLimitHeaders(w.Header(), result)
	respond.JSON(w, http.StatusOK, CheckResponse{
		Allowed:      result.Allowed,
		Identifier:   result.Identifier,
		Policy:       req.Policy,
		Algorithm:    result.Algorithm.String(),
		Limit:        result.Limit,
		Remaining:    result.Remaining,
		ResetAt:      result.ResetAt.UTC(),
		RetryAfterMs: result.RetryAfter.Milliseconds(),
		Storage:      string(result.StorageType),
		Reason:       result.Reason,
		Detail:       detailFields(result.Detail),
	})
}

// logger returns h.Logger tagged with the request ID, or the request-scoped
// logger installed by Logging.
func (h *AdminHandler) logger(ctx context.Context) *slog.Logger {
	if h.Logger != nil {
		return logging.WithRequestID(ctx, h.Logger)
	}
	return logging.FromContext(ctx)
}

// checkError maps limiter errors to responses.
func checkError(err error) error {
	switch {
	case errors.Is(err, ratelimit.ErrUnknownPolicy):
		return respond.NewAppError(http.StatusNotFound, unwrapMessage(err), err)
	case errors.Is(err, ratelimit.ErrEmptyIdentifier), errors.Is(err, ratelimit.ErrInvalidConfig):
		return respond.NewAppError(http.StatusBadRequest, unwrapMessage(err), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return respond.NewAppError(http.StatusServiceUnavailable, "request cancelled", err)
	default:
		return err
	}
}

// unwrapMessage drops the wrapping added by the limiter ("check rl:...: ")
// so that storage keys do not leak into responses.
func unwrapMessage(err error) string {
	for _, sentinel := range []error{ratelimit.ErrUnknownPolicy, ratelimit.ErrEmptyIdentifier, ratelimit.ErrInvalidConfig} {
		if errors.Is(err, sentinel) {
			msg := err.Error()
			if i := strings.Index(msg, sentinel.Error()); i >= 0 {
				return msg[i:]
			}
			return sentinel.Error()
		}
	}
	return err.Error()
}

// detailFields renders the algorithm-specific part of a result.
func detailFields(d ratelimit.AlgorithmDetail) map[string]any {
	switch d := d.(type) {
	case ratelimit.FixedWindowDetail:
		return map[string]any{
			"window_start": d.WindowStart.UTC(),
			"count":        d.Count,
		}
	case ratelimit.SlidingWindowDetail:
		return map[string]any{
			"current_window_requests": d.CurrentWindowRequests,
			"window_start":            d.WindowStart.UTC(),
			"active_segments":         d.ActiveSegments,
		}
	case ratelimit.TokenBucketDetail:
		return map[string]any{
			"available_tokens":    d.AvailableTokens,
			"capacity":            d.Capacity,
			"refill_rate_per_sec": d.RefillRatePerSec,
			"token_cost":          d.TokenCost,
		}
	case ratelimit.LeakyBucketDetail:
		return map[string]any{
			"queue_size":        d.QueueSize,
			"capacity":          d.Capacity,
			"leak_rate_per_sec": d.LeakRatePerSec,
		}
	case nil:
		return nil
	default:
		return map[string]any{"algorithm": fmt.Sprint(d.Algorithm())}
	}
}
