// Package http provides the admin API of the admission service: health,
// monitor statistics and ad-hoc admission checks, plus the middleware the
// server is assembled from.
package http

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"admission-engine/internal/handler/http/respond"
	"admission-engine/pkg/ratelimit"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
	Version   string                 `json:"version"`
}

// CheckStatus is the result of one health check.
type CheckStatus struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StorageReporter reports which backend serves limiter state.
type StorageReporter interface {
	StorageType() ratelimit.StorageType
}

// HealthHandler serves GET /health.
//
// The service is unhealthy (503) only when no policy is loaded. A remote
// store that is down or has been abandoned for memory makes it degraded,
// since checks are still answered.
type HealthHandler struct {
	// DB is the remote state store, nil when running memory-only.
	DB       *sql.DB
	Limiter  StorageReporter
	Policies *ratelimit.PolicyRegistry
	Version  string
	Now      func() time.Time
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]CheckStatus{
		"policies": h.checkPolicies(),
		"storage":  h.checkStorage(),
	}
	if h.DB != nil {
		checks["database"] = h.checkDatabase(ctx)
	}

	status := statusHealthy
	for _, c := range checks {
		switch c.Status {
		case statusUnhealthy:
			status = statusUnhealthy
		case statusDegraded:
			if status == statusHealthy {
				status = statusDegraded
			}
		}
	}

	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	respond.JSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Version:   h.Version,
	})
}

func (h *HealthHandler) checkPolicies() CheckStatus {
	if h.Policies == nil {
		return CheckStatus{Status: statusUnhealthy, Message: "not configured"}
	}
	names := h.Policies.Names()
	if len(names) == 0 {
		return CheckStatus{Status: statusUnhealthy, Message: "no policies loaded"}
	}
	return CheckStatus{
		Status:  statusHealthy,
		Details: map[string]any{"count": len(names), "names": names},
	}
}

func (h *HealthHandler) checkStorage() CheckStatus {
	if h.Limiter == nil {
		return CheckStatus{Status: statusUnhealthy, Message: "limiter not configured"}
	}
	backend := h.Limiter.StorageType()
	details := map[string]any{"backend": string(backend)}
	if h.DB != nil && backend == ratelimit.StorageMemory {
		return CheckStatus{
			Status:  statusDegraded,
			Message: "remote store unavailable, serving from memory",
			Details: details,
		}
	}
	return CheckStatus{Status: statusHealthy, Details: details}
}

// checkDatabase pings the remote store and reports pool statistics.
func (h *HealthHandler) checkDatabase(ctx context.Context) CheckStatus {
	if err := h.DB.PingContext(ctx); err != nil {
		return CheckStatus{
			Status:  statusDegraded,
			Message: respond.SanitizeError(err),
		}
	}

	stats := h.DB.Stats()
	details := map[string]any{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}

	if stats.MaxOpenConnections > 0 {
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
		details["utilization_percent"] = utilization
		if utilization >= 80.0 {
			return CheckStatus{
				Status:  statusDegraded,
				Message: "connection pool utilization above 80%",
				Details: details,
			}
		}
	}

	return CheckStatus{Status: statusHealthy, Details: details}
}
