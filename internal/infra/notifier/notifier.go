// Package notifier delivers abuse alerts raised by the violation monitor.
//
// Every notifier implements monitor.AlertNotifier, so any of them can be
// injected into the monitor: LogNotifier writes alerts to slog,
// WebhookNotifier posts them as JSON to an arbitrary endpoint, and the
// Discord and Slack notifiers format them for those chat webhooks. Outbound
// webhooks are throttled, retried with backoff and guarded by a circuit
// breaker. NoOp drops alerts when alerting is disabled.
package notifier

import (
	"context"
	"errors"

	"admission-engine/pkg/monitor"
)

var (
	_ monitor.AlertNotifier = (*LogNotifier)(nil)
	_ monitor.AlertNotifier = (*WebhookNotifier)(nil)
	_ monitor.AlertNotifier = (*DiscordNotifier)(nil)
	_ monitor.AlertNotifier = (*SlackNotifier)(nil)
	_ monitor.AlertNotifier = NoOp{}
	_ monitor.AlertNotifier = Multi(nil)
)

// Multi fans an alert out to several notifiers.
//
// Every notifier is called even if an earlier one fails; the errors are
// joined.
type Multi []monitor.AlertNotifier

// Notify implements monitor.AlertNotifier.
func (m Multi) Notify(ctx context.Context, alert monitor.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
