package notifier

import (
	"context"

	"admission-engine/pkg/monitor"
)

// NoOp drops every alert. limiterd uses it when ALERTS_ENABLED=false so the
// monitor still tracks violations without delivering anything.
type NoOp struct{}

// Notify implements monitor.AlertNotifier.
func (NoOp) Notify(context.Context, monitor.Alert) error { return nil }
