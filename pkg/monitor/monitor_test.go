package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-engine/pkg/ratelimit"
)

var testBase = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{now: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingMetrics struct {
	violations atomic.Int64
	alerts     atomic.Int64
	dropped    atomic.Int64
}

func (m *countingMetrics) RecordViolation(string) { m.violations.Add(1) }
func (m *countingMetrics) RecordAlert(AlertType, Severity) { m.alerts.Add(1) }
func (m *countingMetrics) RecordDroppedAlert() { m.dropped.Add(1) }

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) received() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

func newTestMonitor(t *testing.T, clock *mockClock, mutate func(*Config)) *Monitor {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.PruneProbability = 0
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func alertsOfType(m *Monitor, alertType AlertType) []Alert {
	m.alertsMu.RLock()
	defer m.alertsMu.RUnlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaintenanceSchedule = "every now and then"

	m, err := New(cfg)
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestNew_AppliesDefaults(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	defer m.Stop()

	d := DefaultConfig()
	assert.Equal(t, d.BurstWindow, m.cfg.BurstWindow)
	assert.Equal(t, d.BurstThreshold, m.cfg.BurstThreshold)
	assert.Equal(t, d.CoordinatedWindow, m.cfg.CoordinatedWindow)
	assert.Equal(t, d.CoordinatedThreshold, m.cfg.CoordinatedThreshold)
	assert.Equal(t, d.HighRateMinRequests, m.cfg.HighRateMinRequests)
	assert.Equal(t, d.HighRateThreshold, m.cfg.HighRateThreshold)
	assert.Equal(t, d.AlertCooldown, m.cfg.AlertCooldown)
	assert.Equal(t, d.Retention, m.cfg.Retention)
	assert.Equal(t, "@every 5m", m.cfg.MaintenanceSchedule)
	assert.Equal(t, 10, m.cfg.RequestEstimateMultiplier)
	assert.False(t, m.cfg.PerformanceTracking)
}

func TestRecordViolation_StoresHistory(t *testing.T) {
	clock := newMockClock(testBase)
	m := newTestMonitor(t, clock, nil)

	m.RecordViolation("user-1", ViolationRateLimitExceeded, Metadata{
		Endpoint:  "/api/search",
		SourceIP:  "10.0.0.1",
		Algorithm: ratelimit.AlgorithmTokenBucket,
		Extra:     map[string]string{"plan": "free"},
	})
	clock.Advance(time.Second)
	m.RecordViolation("user-1", "quota_exceeded", Metadata{})

	history := m.Violations("user-1")
	require.Len(t, history, 2)
	assert.Equal(t, ViolationRateLimitExceeded, history[0].Type)
	assert.Equal(t, testBase, history[0].Timestamp)
	assert.Equal(t, "/api/search", history[0].Endpoint)
	assert.Equal(t, "10.0.0.1", history[0].SourceIP)
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, history[0].Algorithm)
	assert.Equal(t, "free", history[0].Extra["plan"])
	assert.Equal(t, "quota_exceeded", history[1].Type)

	assert.Empty(t, m.Violations("user-2"))
}

func TestRecordViolation_HistoryIsBounded(t *testing.T) {
	clock := newMockClock(testBase)
	m := newTestMonitor(t, clock, func(c *Config) { c.MaxViolationsPerIdentifier = 3 })

	for i := 0; i < 5; i++ {
		m.RecordViolation("user-1", fmt.Sprintf("type-%d", i), Metadata{})
	}

	history := m.Violations("user-1")
	require.Len(t, history, 3)
	assert.Equal(t, "type-2", history[0].Type)
	assert.Equal(t, "type-4", history[2].Type)
}

func TestRecordViolation_ExtraIsCopied(t *testing.T) {
	m := newTestMonitor(t, newMockClock(testBase), nil)

	extra := map[string]string{"k": "v"}
	m.RecordViolation("user-1", "t", Metadata{Extra: extra})
	extra["k"] = "changed"

	assert.Equal(t, "v", m.Violations("user-1")[0].Extra["k"])
}

func TestNotifier_ReceivesAlerts(t *testing.T) {
	clock := newMockClock(testBase)
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, clock, func(c *Config) { c.Notifier = notifier })

	for i := 0; i < 5; i++ {
		m.RecordViolation("user-1", ViolationRateLimitExceeded, Metadata{})
	}
	m.Stop()

	received := notifier.received()
	require.Len(t, received, 1)
	assert.Equal(t, AlertBurstAttack, received[0].Type)
	assert.Equal(t, alertsOfType(m, AlertBurstAttack)[0].ID, received[0].ID)
}

func TestNotifier_ErrorsAreSwallowed(t *testing.T) {
	clock := newMockClock(testBase)
	notifier := &recordingNotifier{err: errors.New("webhook down")}
	m := newTestMonitor(t, clock, func(c *Config) { c.Notifier = notifier })

	m.raise(newBurstAlert(clock.Now(), "a", 5, time.Second))
	m.raise(newBurstAlert(clock.Now(), "b", 5, time.Second))
	m.Stop()

	assert.Len(t, notifier.received(), 2)
}

type panickingNotifier struct {
	calls atomic.Int64
}

func (n *panickingNotifier) Notify(context.Context, Alert) error {
	n.calls.Add(1)
	panic("boom")
}

func TestNotifier_PanicIsRecovered(t *testing.T) {
	clock := newMockClock(testBase)
	notifier := &panickingNotifier{}
	m := newTestMonitor(t, clock, func(c *Config) { c.Notifier = notifier })

	m.raise(newBurstAlert(clock.Now(), "a", 5, time.Second))
	m.raise(newBurstAlert(clock.Now(), "b", 5, time.Second))
	m.Stop()

	assert.Equal(t, int64(2), notifier.calls.Load())
}

type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (n *blockingNotifier) Notify(context.Context, Alert) error {
	n.once.Do(func() { close(n.started) })
	<-n.release
	return nil
}

func TestNotifier_FullQueueDropsAlerts(t *testing.T) {
	clock := newMockClock(testBase)
	notifier := &blockingNotifier{started: make(chan struct{}), release: make(chan struct{})}
	metrics := &countingMetrics{}
	m := newTestMonitor(t, clock, func(c *Config) {
		c.Notifier = notifier
		c.Metrics = metrics
		c.AlertQueueSize = 1
	})

	m.raise(newBurstAlert(clock.Now(), "a", 5, time.Second))
	<-notifier.started

	m.raise(newBurstAlert(clock.Now(), "b", 5, time.Second))
	m.raise(newBurstAlert(clock.Now(), "c", 5, time.Second))

	assert.Equal(t, int64(1), metrics.dropped.Load())
	assert.Equal(t, int64(3), metrics.alerts.Load())
	assert.Len(t, alertsOfType(m, AlertBurstAttack), 3, "dropped notifications stay in the alert log")

	close(notifier.release)
	m.Stop()
}

func TestRaise_AfterStopKeepsLog(t *testing.T) {
	clock := newMockClock(testBase)
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, clock, func(c *Config) { c.Notifier = notifier })
	m.Stop()

	assert.NotPanics(t, func() {
		m.raise(newBurstAlert(clock.Now(), "a", 5, time.Second))
	})
	assert.Len(t, alertsOfType(m, AlertBurstAttack), 1)
	assert.Empty(t, notifier.received())
}

func TestAlertLog_IsBounded(t *testing.T) {
	clock := newMockClock(testBase)
	m := newTestMonitor(t, clock, func(c *Config) { c.MaxAlerts = 2 })

	for _, id := range []string{"a", "b", "c"} {
		m.raise(newBurstAlert(clock.Now(), id, 5, time.Second))
	}

	alerts := alertsOfType(m, AlertBurstAttack)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].Identifier)
	assert.Equal(t, "c", alerts[1].Identifier)
}

func TestStartStop(t *testing.T) {
	m := newTestMonitor(t, newMockClock(testBase), nil)

	m.Start()
	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestConcurrentRecordViolation(t *testing.T) {
	clock := newMockClock(testBase)
	metrics := &countingMetrics{}
	m := newTestMonitor(t, clock, func(c *Config) { c.Metrics = metrics })

	const (
		workers   = 8
		perWorker = 100
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.RecordViolation(fmt.Sprintf("user-%d", i%10), ViolationRateLimitExceeded, Metadata{
					Endpoint: fmt.Sprintf("/api/%d", w),
					SourceIP: fmt.Sprintf("10.0.%d.%d", w, i%5),
				})
			}
		}(w)
	}
	wg.Wait()

	stats := m.GetStats()
	assert.Equal(t, int64(workers*perWorker), stats.TotalViolations)
	assert.Equal(t, int64(workers*perWorker), metrics.violations.Load())
}

func TestObserveAdmission_WithLimiter(t *testing.T) {
	clock := newMockClock(testBase)
	m := newTestMonitor(t, clock, nil)

	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Observer: m,
		Clock:    clock,
	})
	cfg, err := ratelimit.NewFixedWindow(time.Minute, 5)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := limiter.CheckLimit(ctx, "user-1", cfg,
			ratelimit.WithEndpoint("/api/orders"),
			ratelimit.WithSourceIP("10.0.0.1"),
		)
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Close())

	stats := m.GetStats()
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalViolations)
	assert.False(t, stats.RequestsEstimated)
	assert.Equal(t, EstimationObserved, stats.EstimationMethod)

	require.Len(t, stats.Endpoints, 1)
	assert.Equal(t, "/api/orders", stats.Endpoints[0].Endpoint)
	assert.Equal(t, int64(6), stats.Endpoints[0].Requests)

	history := m.Violations("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, ratelimit.AlgorithmFixedWindow, history[0].Algorithm)
	assert.Equal(t, "10.0.0.1", history[0].SourceIP)
}

func TestObserveAdmission_ZeroTimestampUsesClock(t *testing.T) {
	clock := newMockClock(testBase)
	m := newTestMonitor(t, clock, nil)

	m.ObserveAdmission(ratelimit.Outcome{Identifier: "user-1", Allowed: false})

	history := m.Violations("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, testBase, history[0].Timestamp)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	m := newTestMonitor(t, newMockClock(testBase), func(c *Config) { c.Metrics = metrics })

	for i := 0; i < 5; i++ {
		m.RecordViolation("user-1", ViolationRateLimitExceeded, Metadata{})
	}

	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.violationsTotal.WithLabelValues(ViolationRateLimitExceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.alertsTotal.WithLabelValues(string(AlertBurstAttack), string(SeverityHigh))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.droppedAlerts))

	assert.Panics(t, func() { NewPrometheusMetrics(reg) })
}
