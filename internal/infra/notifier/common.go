package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"admission-engine/internal/observability/metrics"
	"admission-engine/internal/resilience/circuitbreaker"
	"admission-engine/internal/resilience/retry"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "request_id"

// Common webhook error types used by every webhook notifier

// RateLimitError represents a 429 rate limit error from a webhook service.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string // Optional custom message
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded (retry after %v)", e.RetryAfter)
}

// ClientError represents a 4xx client error from a webhook service.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return e.Message
}

// ServerError represents a 5xx server error from a webhook service.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

// is429Error checks if the error is a rate limit error and extracts retry_after.
func is429Error(err error) (*RateLimitError, bool) {
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr, true
	}
	return nil, false
}

// retryAfter feeds a 429's retry_after into the backoff loop.
func retryAfter(err error) (time.Duration, bool) {
	if rl, ok := is429Error(err); ok {
		return rl.RetryAfter, true
	}
	return 0, false
}

// isRetryableError checks if the error is worth retrying (429, 5xx server
// errors, network errors). Client errors, cancellation and an open circuit
// are final.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if circuitbreaker.IsRejected(err) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return false
	}

	// Rate limits, server errors, network errors
	return true
}

// truncate shortens text to maxLength bytes, appending suffix when cut.
func truncate(text string, maxLength int, suffix string) string {
	if len(text) <= maxLength {
		return text
	}

	// Reserve space for suffix
	truncateAt := maxLength - len(suffix)
	if truncateAt < 0 {
		truncateAt = 0
	}

	return text[:truncateAt] + suffix
}

// webhookErrorResponse covers the retry hints Discord and Slack put in a
// 429 body.
type webhookErrorResponse struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"` // In seconds
}

// extractRetryAfter extracts the retry_after duration from a 429 response.
// It tries the JSON body first, then the Retry-After header, then 5s.
func extractRetryAfter(resp *http.Response, body []byte) time.Duration {
	var errResp webhookErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.RetryAfter > 0 {
		return time.Duration(errResp.RetryAfter * float64(time.Second))
	}

	// Retry-After header (in seconds)
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 5 * time.Second
}

// senderConfig configures the delivery pipeline shared by webhook notifiers.
type senderConfig struct {
	name    string
	url     string
	timeout time.Duration
	// rps and burst throttle outbound requests to the service's own limit.
	rps   float64
	burst int
	retry retry.Config
}

// webhookSender posts JSON payloads: throttled by a token bucket, retried
// with backoff and guarded by a circuit breaker.
type webhookSender struct {
	name       string
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retry      retry.Config
	logger     *slog.Logger
}

func newWebhookSender(cfg senderConfig, logger *slog.Logger) *webhookSender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 10 * time.Second
	}
	if cfg.rps <= 0 {
		cfg.rps = 1
	}
	if cfg.burst <= 0 {
		cfg.burst = 1
	}
	if cfg.retry.MaxAttempts <= 0 {
		cfg.retry = retry.WebhookConfig()
	}
	cfg.retry.Retryable = isRetryableError
	cfg.retry.RetryAfter = retryAfter

	return &webhookSender{
		name:       cfg.name,
		url:        cfg.url,
		httpClient: &http.Client{Timeout: cfg.timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst),
		breaker:    newBreaker(cfg.name),
		retry:      cfg.retry,
		logger:     logger,
	}
}

// newBreaker creates the per-endpoint breaker and publishes its state.
func newBreaker(name string) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.WebhookConfig(name)
	cfg.OnStateChange = func(name string, _, to gobreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	metrics.SetCircuitState(name, int(gobreaker.StateClosed))
	return circuitbreaker.New(cfg)
}

// deliver sends payload, tagging every attempt with one request ID.
func (s *webhookSender) deliver(ctx context.Context, alertID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	requestID := uuid.New().String()
	ctx = context.WithValue(ctx, requestIDKey, requestID)

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", s.name, err)
	}

	attempt := 0
	err = retry.WithBackoff(ctx, s.retry, func() error {
		attempt++
		err := s.breaker.Do(func() error {
			return s.post(ctx, body)
		})
		if err != nil {
			s.logger.Warn("webhook delivery attempt failed",
				slog.String("notifier", s.name),
				slog.String("request_id", requestID),
				slog.String("alert_id", alertID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		return err
	})
	metrics.RecordAlertDelivery(s.name, err == nil)
	if err != nil {
		s.logger.Error("webhook delivery failed",
			slog.String("notifier", s.name),
			slog.String("request_id", requestID),
			slog.String("alert_id", alertID),
			slog.Any("error", err))
		return fmt.Errorf("%s notification: %w", s.name, err)
	}

	s.logger.Info("webhook delivery successful",
		slog.String("notifier", s.name),
		slog.String("request_id", requestID),
		slog.String("alert_id", alertID),
		slog.Int("attempt", attempt))
	return nil
}

// post performs one request and maps the status code to an error type.
func (s *webhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read response body for error messages
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    s.name + " rate limit exceeded",
			RetryAfter: extractRetryAfter(resp, respBody),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ClientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s client error: %s", s.name, string(respBody)),
		}
	case resp.StatusCode >= 500:
		return &ServerError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s server error: %s", s.name, string(respBody)),
		}
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
}
