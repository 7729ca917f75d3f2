package notifier

import (
	"context"
	"log/slog"
	"time"

	"admission-engine/internal/resilience/retry"
	"admission-engine/pkg/monitor"
)

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	// URL receives a POST per alert
	URL string

	// Timeout is the HTTP request timeout. Default: 10s
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle deliveries. Default: 5 req/s, burst 5
	RequestsPerSecond float64
	Burst             int

	// Retry overrides the retry policy. Default: retry.WebhookConfig()
	Retry retry.Config
}

// WebhookPayload is the body posted by WebhookNotifier.
type WebhookPayload struct {
	Source string        `json:"source"`
	Alert  monitor.Alert `json:"alert"`
}

// WebhookNotifier posts alerts as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	sender *webhookSender
}

// NewWebhookNotifier creates a WebhookNotifier. A nil logger means slog.Default().
func NewWebhookNotifier(cfg WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &WebhookNotifier{
		sender: newWebhookSender(senderConfig{
			name:    "webhook",
			url:     cfg.URL,
			timeout: cfg.Timeout,
			rps:     rps,
			burst:   burst,
			retry:   cfg.Retry,
		}, logger),
	}
}

// Notify implements monitor.AlertNotifier.
func (w *WebhookNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	return w.sender.deliver(ctx, alert.ID, WebhookPayload{
		Source: "admission-engine",
		Alert:  alert,
	})
}
