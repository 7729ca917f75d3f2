package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"admission-engine/internal/resilience/retry"
	"admission-engine/pkg/monitor"
)

// SlackConfig contains configuration for Slack webhook notifications.
type SlackConfig struct {
	// Enabled indicates whether Slack notifications are enabled
	Enabled bool

	// WebhookURL is the Slack Incoming Webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Slack API calls
	Timeout time.Duration

	// Retry overrides the retry policy. Default: retry.WebhookConfig()
	Retry retry.Config
}

// SlackNotifier sends alerts to Slack via Incoming Webhook.
type SlackNotifier struct {
	sender *webhookSender
}

// NewSlackNotifier creates a new SlackNotifier.
//
// Deliveries are throttled to 1 request/second with a burst of 1
// (Slack Webhook limit: 1 message per second).
func NewSlackNotifier(config SlackConfig, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		sender: newWebhookSender(senderConfig{
			name:    "slack",
			url:     config.WebhookURL,
			timeout: config.Timeout,
			rps:     1,
			burst:   1,
			retry:   config.Retry,
		}, logger),
	}
}

// SlackWebhookPayload represents the JSON payload sent to Slack webhook using Block Kit.
type SlackWebhookPayload struct {
	Text   string       `json:"text"`   // Fallback text (required)
	Blocks []SlackBlock `json:"blocks"` // Rich formatting blocks
}

// SlackBlock represents a Slack Block Kit block.
type SlackBlock struct {
	Type     string            `json:"type"`               // "section", "context", "divider"
	Text     *SlackTextObject  `json:"text,omitempty"`     // Text content (for section)
	Elements []SlackTextObject `json:"elements,omitempty"` // Elements (for context)
}

// SlackTextObject represents a text object in Slack Block Kit.
type SlackTextObject struct {
	Type string `json:"type"` // "mrkdwn" or "plain_text"
	Text string `json:"text"` // Actual text content
}

const (
	// Slack Block Kit limits
	maxSectionTextLength = 3000
	maxContextTextLength = 2000
	maxFallbackLength    = 150
)

func severityEmoji(s monitor.Severity) string {
	switch s {
	case monitor.SeverityCritical:
		return ":rotating_light:"
	case monitor.SeverityHigh:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// buildBlockKitPayload creates a Slack webhook payload from an alert.
//
// The payload includes:
//   - Text: Fallback text for notifications (severity + type)
//   - Section Block: bold headline + alert message
//   - Context Block: identifier, endpoint, sources and timestamp
func buildBlockKitPayload(alert monitor.Alert) SlackWebhookPayload {
	headline := fmt.Sprintf("%s *%s* %s", severityEmoji(alert.Severity),
		strings.ToUpper(string(alert.Severity)), alert.Type)

	fallback := truncate(fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Type, alert.Message),
		maxFallbackLength, truncationSuffix)

	var details []string
	if alert.Identifier != "" {
		details = append(details, "identifier: `"+alert.Identifier+"`")
	}
	if alert.Endpoint != "" {
		details = append(details, "endpoint: `"+alert.Endpoint+"`")
	}
	if len(alert.Attackers) > 0 {
		details = append(details, "sources: "+strings.Join(alert.Attackers, ", "))
	}
	details = append(details, alert.Timestamp.Format(time.RFC3339))

	return SlackWebhookPayload{
		Text: fallback,
		Blocks: []SlackBlock{
			{
				Type: "section",
				Text: &SlackTextObject{
					Type: "mrkdwn",
					Text: truncate(headline+"\n\n"+alert.Message, maxSectionTextLength, truncationSuffix),
				},
			},
			{
				Type: "context",
				Elements: []SlackTextObject{{
					Type: "mrkdwn",
					Text: truncate(strings.Join(details, " | "), maxContextTextLength, truncationSuffix),
				}},
			},
		},
	}
}

// Notify implements monitor.AlertNotifier.
func (s *SlackNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	return s.sender.deliver(ctx, alert.ID, buildBlockKitPayload(alert))
}
