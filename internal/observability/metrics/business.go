package metrics

import (
	"time"
)

// Storage backends reported by SetStorageBackend.
var storageBackends = []string{"memory", "remote"}

// RecordPolicyReload records a policy file reload. On success, count is the
// size of the new policy table.
func RecordPolicyReload(success bool, count int) {
	if !success {
		PolicyReloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	PolicyReloadsTotal.WithLabelValues("success").Inc()
	PoliciesLoaded.Set(float64(count))
}

// SetStorageBackend marks backend as the active limiter store and clears the others.
func SetStorageBackend(backend string) {
	for _, b := range storageBackends {
		if b == backend {
			StorageBackend.WithLabelValues(b).Set(1)
		} else {
			StorageBackend.WithLabelValues(b).Set(0)
		}
	}
}

// RecordMaintenance records one maintenance pass of task ("store" or "monitor").
func RecordMaintenance(task string, duration time.Duration, removed int) {
	MaintenanceDuration.WithLabelValues(task).Observe(duration.Seconds())
	if removed > 0 {
		MaintenanceRemovedTotal.WithLabelValues(task).Add(float64(removed))
	}
}

// RecordAlertDelivery records the outcome of one alert delivery.
func RecordAlertDelivery(notifier string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AlertDeliveriesTotal.WithLabelValues(notifier, result).Inc()
}

// SetCircuitState publishes the state of the named circuit breaker.
func SetCircuitState(circuit string, state int) {
	CircuitState.WithLabelValues(circuit).Set(float64(state))
}
