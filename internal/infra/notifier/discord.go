package notifier

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"admission-engine/internal/resilience/retry"
	"admission-engine/pkg/monitor"
)

// DiscordConfig contains configuration for Discord webhook notifications.
type DiscordConfig struct {
	// Enabled indicates whether Discord notifications are enabled
	Enabled bool

	// WebhookURL is the Discord webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Discord API calls
	Timeout time.Duration

	// Retry overrides the retry policy. Default: retry.WebhookConfig()
	Retry retry.Config
}

// DiscordNotifier sends alerts to Discord via webhook.
type DiscordNotifier struct {
	sender *webhookSender
}

// NewDiscordNotifier creates a new DiscordNotifier.
//
// Deliveries are throttled to 0.5 requests/second with a burst of 3
// (Discord Webhook limit: 30 requests per minute).
func NewDiscordNotifier(config DiscordConfig, logger *slog.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		sender: newWebhookSender(senderConfig{
			name:    "discord",
			url:     config.WebhookURL,
			timeout: config.Timeout,
			rps:     0.5,
			burst:   3,
			retry:   config.Retry,
		}, logger),
	}
}

// DiscordWebhookPayload represents the JSON payload sent to Discord webhook.
type DiscordWebhookPayload struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

// DiscordEmbed represents a Discord embed message.
type DiscordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
	Footer      DiscordEmbedFooter  `json:"footer"`
	Timestamp   string              `json:"timestamp"`
}

// DiscordEmbedField is one name/value row of an embed.
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// DiscordEmbedFooter represents the footer of a Discord embed.
type DiscordEmbedFooter struct {
	Text string `json:"text"`
}

const (
	// Discord limits
	maxTitleLength       = 256
	maxDescriptionLength = 4096
	maxFieldValueLength  = 1024
	truncationSuffix     = "..."
)

// severityColor maps a severity to an embed colour.
func severityColor(s monitor.Severity) int {
	switch s {
	case monitor.SeverityCritical:
		return 0xED4245 // red
	case monitor.SeverityHigh:
		return 0xF26522 // orange
	case monitor.SeverityMedium:
		return 0xFEE75C // yellow
	default:
		return 0x5865F2 // blurple
	}
}

// buildEmbedPayload creates a Discord webhook payload from an alert.
func buildEmbedPayload(alert monitor.Alert) DiscordWebhookPayload {
	title := "[" + strings.ToUpper(string(alert.Severity)) + "] " + string(alert.Type)

	fields := []DiscordEmbedField{
		{Name: "Count", Value: strconv.Itoa(alert.Count), Inline: true},
	}
	if alert.Identifier != "" {
		fields = append(fields, DiscordEmbedField{Name: "Identifier", Value: alert.Identifier, Inline: true})
	}
	if alert.Endpoint != "" {
		fields = append(fields, DiscordEmbedField{Name: "Endpoint", Value: alert.Endpoint, Inline: true})
	}
	if len(alert.Attackers) > 0 {
		fields = append(fields, DiscordEmbedField{
			Name:  "Sources",
			Value: truncate(strings.Join(alert.Attackers, ", "), maxFieldValueLength, truncationSuffix),
		})
	}

	return DiscordWebhookPayload{
		Embeds: []DiscordEmbed{{
			Title:       truncate(title, maxTitleLength, truncationSuffix),
			Description: truncate(alert.Message, maxDescriptionLength, truncationSuffix),
			Color:       severityColor(alert.Severity),
			Fields:      fields,
			Footer:      DiscordEmbedFooter{Text: "alert " + alert.ID},
			Timestamp:   alert.Timestamp.Format(time.RFC3339),
		}},
	}
}

// Notify implements monitor.AlertNotifier.
func (d *DiscordNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	return d.sender.deliver(ctx, alert.ID, buildEmbedPayload(alert))
}
