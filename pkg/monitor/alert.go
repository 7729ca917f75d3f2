package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertType identifies the detector that raised an alert.
type AlertType string

const (
	// AlertBurstAttack is raised when one identifier violates many times in a short window.
	AlertBurstAttack AlertType = "BURST_ATTACK"

	// AlertCoordinatedAttack is raised when several source IPs violate the same endpoint.
	AlertCoordinatedAttack AlertType = "COORDINATED_ATTACK"

	// AlertHighViolationRate is raised when most requests to an endpoint are rejected.
	AlertHighViolationRate AlertType = "HIGH_VIOLATION_RATE"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a detected abuse pattern.
type Alert struct {
	ID         string            `json:"id"`
	Type       AlertType         `json:"type"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Identifier string            `json:"identifier,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Attackers  []string          `json:"attackers,omitempty"`
	Count      int               `json:"count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AlertNotifier delivers alerts to an external channel.
//
// Notify is called from the monitor's notifier worker, one alert at a time.
// Errors are logged by the monitor and otherwise ignored.
type AlertNotifier interface {
	Notify(ctx context.Context, alert Alert) error
}

func newBurstAlert(now time.Time, identifier string, count int, window time.Duration) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Type:       AlertBurstAttack,
		Severity:   SeverityHigh,
		Message:    fmt.Sprintf("identifier %q exceeded its limit %d times within %s", identifier, count, window),
		Timestamp:  now,
		Identifier: identifier,
		Count:      count,
		Metadata: map[string]string{
			"window": window.String(),
		},
	}
}

func newCoordinatedAlert(now time.Time, endpoint string, attackers []string, threshold int, window time.Duration) Alert {
	severity := SeverityHigh
	if len(attackers) >= 2*threshold {
		severity = SeverityCritical
	}
	return Alert{
		ID:        uuid.NewString(),
		Type:      AlertCoordinatedAttack,
		Severity:  severity,
		Message:   fmt.Sprintf("%d source IPs exceeded limits on %s within %s", len(attackers), endpoint, window),
		Timestamp: now,
		Endpoint:  endpoint,
		Attackers: attackers,
		Count:     len(attackers),
		Metadata: map[string]string{
			"window": window.String(),
		},
	}
}

func newHighRateAlert(now time.Time, endpoint string, requests, violations int64, rate float64) Alert {
	severity := SeverityMedium
	switch {
	case rate >= 0.9:
		severity = SeverityCritical
	case rate >= 0.75:
		severity = SeverityHigh
	}
	return Alert{
		ID:        uuid.NewString(),
		Type:      AlertHighViolationRate,
		Severity:  severity,
		Message:   fmt.Sprintf("%.0f%% of requests to %s were rejected in the last hour", rate*100, endpoint),
		Timestamp: now,
		Endpoint:  endpoint,
		Count:     int(violations),
		Metadata: map[string]string{
			"requests":       fmt.Sprintf("%d", requests),
			"violations":     fmt.Sprintf("%d", violations),
			"violation_rate": fmt.Sprintf("%.4f", rate),
		},
	}
}

// episode de-duplicates alerts of one detector for one subject.
//
// After an alert the subject is disarmed. It re-arms once its level has
// dropped below the threshold and the cooldown has elapsed since the alert.
type episode struct {
	alerted   bool
	lastAlert time.Time
}

// observe reports whether the current level should raise an alert.
func (e *episode) observe(over bool, now time.Time, cooldown time.Duration) bool {
	if e.alerted {
		if over || now.Sub(e.lastAlert) < cooldown {
			return false
		}
		e.alerted = false
	}
	if !over {
		return false
	}
	e.alerted = true
	e.lastAlert = now
	return true
}

// settled reports whether the episode no longer needs to be remembered.
func (e *episode) settled(now time.Time, cooldown time.Duration) bool {
	return !e.alerted || now.Sub(e.lastAlert) >= cooldown
}
