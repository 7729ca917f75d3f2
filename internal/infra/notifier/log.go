package notifier

import (
	"context"
	"log/slog"
	"strings"

	"admission-engine/pkg/monitor"
)

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger means slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements monitor.AlertNotifier.
func (n *LogNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == monitor.SeverityHigh || alert.Severity == monitor.SeverityCritical {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("alert_id", alert.ID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
		slog.Time("timestamp", alert.Timestamp),
		slog.Int("count", alert.Count),
	}
	if alert.Identifier != "" {
		attrs = append(attrs, slog.String("identifier", alert.Identifier))
	}
	if alert.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", alert.Endpoint))
	}
	if len(alert.Attackers) > 0 {
		attrs = append(attrs, slog.String("attackers", strings.Join(alert.Attackers, ",")))
	}

	n.logger.LogAttrs(ctx, level, alert.Message, attrs...)
	return nil
}
