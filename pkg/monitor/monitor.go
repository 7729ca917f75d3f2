// Package monitor watches rate limit violations for abuse patterns.
//
// A Monitor records every violation per identifier, runs three detectors
// (bursts from one identifier, many source IPs against one endpoint, and a
// high share of rejected requests on an endpoint) and keeps trailing-hour
// statistics. It implements ratelimit.Observer, so attaching it to a
// Limiter is enough to feed it.
package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"admission-engine/pkg/ratelimit"
)

// ViolationRateLimitExceeded is the violation type recorded for denied admissions.
const ViolationRateLimitExceeded = "rate_limit_exceeded"

const monitorShards = 64

// Config holds the monitor thresholds and collaborators.
type Config struct {
	// BurstWindow and BurstThreshold define a burst: at least BurstThreshold
	// violations by one identifier within BurstWindow. Default: 5 in 10s.
	BurstWindow    time.Duration
	BurstThreshold int

	// CoordinatedWindow and CoordinatedThreshold define a coordinated
	// attack: at least CoordinatedThreshold distinct source IPs violating
	// one endpoint within CoordinatedWindow. Default: 3 in 5m.
	CoordinatedWindow    time.Duration
	CoordinatedThreshold int

	// HighRateMinRequests and HighRateThreshold define a high violation
	// rate on an endpoint over the trailing hour. Default: 0.5 of at least 20.
	HighRateMinRequests int
	HighRateThreshold   float64

	// AlertCooldown is the minimum time before a detector alerts again for
	// the same subject. Default: 60s.
	AlertCooldown time.Duration

	// Retention bounds how long violations and alerts are kept. Default: 24h.
	Retention time.Duration

	// MaintenanceSchedule is the cron spec of the purge job. Default: "@every 5m".
	MaintenanceSchedule string

	// PruneProbability is the chance that a violation triggers a prune of
	// the coordinated trackers. Default: 0.01.
	PruneProbability float64

	// RequestEstimateMultiplier estimates requests from violations when no
	// admissions were observed. Default: 10.
	RequestEstimateMultiplier int

	// MaxViolationsPerIdentifier bounds the stored history of one identifier. Default: 1000.
	MaxViolationsPerIdentifier int

	// MaxAlerts bounds the alert log. Default: 1000.
	MaxAlerts int

	// TopViolators is the number of identifiers listed by GetStats. Default: 10.
	TopViolators int

	// RecentAlerts is the number of alerts listed by GetStats. Default: 20.
	RecentAlerts int

	// PerformanceTracking enables GetPerformanceStats. Default: true.
	PerformanceTracking bool

	// AlertQueueSize bounds the alerts waiting for the notifier. Default: 256.
	AlertQueueSize int

	// NotifyTimeout bounds one notifier call. Default: 10s.
	NotifyTimeout time.Duration

	// OnMaintenance is called after every maintenance run. Optional.
	OnMaintenance func(result MaintenanceResult, took time.Duration)

	Notifier AlertNotifier
	Metrics  Metrics
	Clock    ratelimit.Clock
	Logger   *slog.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BurstWindow:                10 * time.Second,
		BurstThreshold:             5,
		CoordinatedWindow:          5 * time.Minute,
		CoordinatedThreshold:       3,
		HighRateMinRequests:        20,
		HighRateThreshold:          0.5,
		AlertCooldown:              60 * time.Second,
		Retention:                  24 * time.Hour,
		MaintenanceSchedule:        "@every 5m",
		PruneProbability:           0.01,
		RequestEstimateMultiplier:  10,
		MaxViolationsPerIdentifier: 1000,
		MaxAlerts:                  1000,
		TopViolators:               10,
		RecentAlerts:               20,
		PerformanceTracking:        true,
		AlertQueueSize:             256,
		NotifyTimeout:              10 * time.Second,
	}
}

// applyDefaults fills zero values from DefaultConfig. PerformanceTracking is
// left as given.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BurstWindow <= 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = d.BurstThreshold
	}
	if c.CoordinatedWindow <= 0 {
		c.CoordinatedWindow = d.CoordinatedWindow
	}
	if c.CoordinatedThreshold <= 0 {
		c.CoordinatedThreshold = d.CoordinatedThreshold
	}
	if c.HighRateMinRequests <= 0 {
		c.HighRateMinRequests = d.HighRateMinRequests
	}
	if c.HighRateThreshold <= 0 {
		c.HighRateThreshold = d.HighRateThreshold
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = d.MaintenanceSchedule
	}
	if c.PruneProbability < 0 {
		c.PruneProbability = 0
	}
	if c.RequestEstimateMultiplier <= 0 {
		c.RequestEstimateMultiplier = d.RequestEstimateMultiplier
	}
	if c.MaxViolationsPerIdentifier <= 0 {
		c.MaxViolationsPerIdentifier = d.MaxViolationsPerIdentifier
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = d.MaxAlerts
	}
	if c.TopViolators <= 0 {
		c.TopViolators = d.TopViolators
	}
	if c.RecentAlerts <= 0 {
		c.RecentAlerts = d.RecentAlerts
	}
	if c.AlertQueueSize <= 0 {
		c.AlertQueueSize = d.AlertQueueSize
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.Metrics == nil {
		c.Metrics = NoOpMetrics{}
	}
	if c.Clock == nil {
		c.Clock = &ratelimit.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Metadata describes the context of a violation.
type Metadata struct {
	Endpoint  string
	SourceIP  string
	Algorithm ratelimit.Algorithm
	Extra     map[string]string
}

// ViolationRecord is one stored violation.
type ViolationRecord struct {
	Identifier string              `json:"identifier"`
	Type       string              `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	Endpoint   string              `json:"endpoint,omitempty"`
	SourceIP   string              `json:"source_ip,omitempty"`
	Algorithm  ratelimit.Algorithm `json:"algorithm,omitempty"`
	Extra      map[string]string   `json:"extra,omitempty"`
}

// identifierShard holds violation history and burst trackers.
type identifierShard struct {
	mu         sync.Mutex
	violations map[string][]ViolationRecord
	bursts     map[string]*burstTracker
}

// endpointShard holds coordinated-attack and violation-rate trackers.
type endpointShard struct {
	mu          sync.Mutex
	coordinated map[string]*coordinatedTracker
	rates       map[string]*rateTracker
}

// Monitor detects abuse patterns in rate limit violations.
//
// A Monitor is safe for concurrent use. Call Start to schedule
// maintenance and Stop to release its goroutines.
type Monitor struct {
	cfg     Config
	clock   ratelimit.Clock
	logger  *slog.Logger
	metrics Metrics

	identifiers [monitorShards]identifierShard
	endpoints   [monitorShards]endpointShard

	totalsMu sync.Mutex
	totals   minuteWindow
	hourly   hourlyCounters

	perf *performanceTracker

	alertsMu sync.RWMutex
	alerts   []Alert
	stopped  bool

	queue      chan Alert
	workerDone chan struct{}

	cron     *cron.Cron
	stopOnce sync.Once

	// random returns a number in [0, 1) for probabilistic pruning.
	random func() float64
}

// New creates a Monitor. It fails if the maintenance schedule does not parse.
func New(cfg Config) (*Monitor, error) {
	cfg.applyDefaults()

	m := &Monitor{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		perf:       newPerformanceTracker(),
		queue:      make(chan Alert, cfg.AlertQueueSize),
		workerDone: make(chan struct{}),
		random:     rand.Float64,
	}
	for i := range m.identifiers {
		m.identifiers[i].violations = make(map[string][]ViolationRecord)
		m.identifiers[i].bursts = make(map[string]*burstTracker)
	}
	for i := range m.endpoints {
		m.endpoints[i].coordinated = make(map[string]*coordinatedTracker)
		m.endpoints[i].rates = make(map[string]*rateTracker)
	}

	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := m.cron.AddFunc(cfg.MaintenanceSchedule, func() {
		m.Maintain(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.MaintenanceSchedule, err)
	}

	go m.runNotifier()
	return m, nil
}

// Start schedules the maintenance job.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("violation monitor started",
		slog.String("maintenance_schedule", m.cfg.MaintenanceSchedule),
		slog.Duration("retention", m.cfg.Retention),
	)
}

// Stop waits for a running maintenance job, stops the scheduler and drains
// the notifier queue. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		<-m.cron.Stop().Done()

		m.alertsMu.Lock()
		m.stopped = true
		close(m.queue)
		m.alertsMu.Unlock()

		<-m.workerDone
		m.logger.Info("violation monitor stopped")
	})
}

// RecordViolation records a violation by identifier and runs the detectors.
func (m *Monitor) RecordViolation(identifier, violationType string, md Metadata) {
	m.recordViolation(m.clock.Now(), identifier, violationType, md, false)
}

// ObserveAdmission implements ratelimit.Observer.
func (m *Monitor) ObserveAdmission(o ratelimit.Outcome) {
	now := o.Timestamp
	if now.IsZero() {
		now = m.clock.Now()
	}

	if m.cfg.PerformanceTracking {
		m.perf.record(o)
	}

	if !o.Allowed {
		m.recordViolation(now, o.Identifier, ViolationRateLimitExceeded, Metadata{
			Endpoint:  o.Endpoint,
			SourceIP:  o.SourceIP,
			Algorithm: o.Algorithm,
		}, true)
		return
	}

	m.hourly.addRequest(now)
	m.totalsMu.Lock()
	m.totals.add(now, 1, 0)
	m.totalsMu.Unlock()

	if o.Endpoint != "" {
		m.trackRate(now, o.Endpoint, 1, 0)
	}
}

// recordViolation stores the violation and runs every detector. withRequest
// marks a violation that is also an observed request.
func (m *Monitor) recordViolation(now time.Time, identifier, violationType string, md Metadata, withRequest bool) {
	var requests int64
	if withRequest {
		requests = 1
		m.hourly.addRequest(now)
	}
	m.hourly.addViolation(now)
	m.totalsMu.Lock()
	m.totals.add(now, requests, 1)
	m.totalsMu.Unlock()
	m.metrics.RecordViolation(violationType)

	record := ViolationRecord{
		Identifier: identifier,
		Type:       violationType,
		Timestamp:  now,
		Endpoint:   md.Endpoint,
		SourceIP:   md.SourceIP,
		Algorithm:  md.Algorithm,
		Extra:      copyExtra(md.Extra),
	}

	sh := &m.identifiers[shardIndex(identifier)]
	sh.mu.Lock()
	history := append(sh.violations[identifier], record)
	if over := len(history) - m.cfg.MaxViolationsPerIdentifier; over > 0 {
		history = append(history[:0], history[over:]...)
	}
	sh.violations[identifier] = history

	burst, ok := sh.bursts[identifier]
	if !ok {
		burst = &burstTracker{}
		sh.bursts[identifier] = burst
	}
	count, fire := burst.record(now, m.cfg.BurstWindow, m.cfg.BurstThreshold, m.cfg.AlertCooldown)
	sh.mu.Unlock()

	if fire {
		m.raise(newBurstAlert(now, identifier, count, m.cfg.BurstWindow))
	}

	if md.Endpoint != "" {
		if md.SourceIP != "" {
			m.trackSource(now, md.Endpoint, md.SourceIP)
		}
		m.trackRate(now, md.Endpoint, requests, 1)
	}

	if m.cfg.PruneProbability > 0 && m.random() < m.cfg.PruneProbability {
		m.pruneCoordinated(now)
	}
}

func (m *Monitor) trackSource(now time.Time, endpoint, sourceIP string) {
	sh := &m.endpoints[shardIndex(endpoint)]
	sh.mu.Lock()
	tracker, ok := sh.coordinated[endpoint]
	if !ok {
		tracker = newCoordinatedTracker()
		sh.coordinated[endpoint] = tracker
	}
	attackers, fire := tracker.record(now, sourceIP, m.cfg.CoordinatedWindow, m.cfg.CoordinatedThreshold, m.cfg.AlertCooldown)
	sh.mu.Unlock()

	if fire {
		m.raise(newCoordinatedAlert(now, endpoint, attackers, m.cfg.CoordinatedThreshold, m.cfg.CoordinatedWindow))
	}
}

func (m *Monitor) trackRate(now time.Time, endpoint string, requests, violations int64) {
	sh := &m.endpoints[shardIndex(endpoint)]
	sh.mu.Lock()
	tracker, ok := sh.rates[endpoint]
	if !ok {
		tracker = &rateTracker{}
		sh.rates[endpoint] = tracker
	}
	total, violated, rate, fire := tracker.record(now, requests, violations, m.cfg)
	sh.mu.Unlock()

	if fire {
		m.raise(newHighRateAlert(now, endpoint, total, violated, rate))
	}
}

// raise appends the alert to the log and queues it for the notifier.
func (m *Monitor) raise(alert Alert) {
	m.metrics.RecordAlert(alert.Type, alert.Severity)
	m.logger.Warn("rate limit abuse detected",
		slog.String("alert_id", alert.ID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
		slog.String("identifier", alert.Identifier),
		slog.String("endpoint", alert.Endpoint),
		slog.Int("count", alert.Count),
	)

	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()

	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.cfg.MaxAlerts; over > 0 {
		m.alerts = append(m.alerts[:0], m.alerts[over:]...)
	}

	if m.stopped || m.cfg.Notifier == nil {
		return
	}
	select {
	case m.queue <- alert:
	default:
		m.metrics.RecordDroppedAlert()
		m.logger.Warn("alert queue full, dropping notification",
			slog.String("alert_id", alert.ID),
		)
	}
}

func (m *Monitor) runNotifier() {
	defer close(m.workerDone)
	for alert := range m.queue {
		m.notify(alert)
	}
}

func (m *Monitor) notify(alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert notifier panicked",
				slog.String("alert_id", alert.ID),
				slog.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()

	if err := m.cfg.Notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("failed to deliver alert",
			slog.String("alert_id", alert.ID),
			slog.String("type", string(alert.Type)),
			slog.Any("error", err),
		)
	}
}

// Violations returns the stored violation history of identifier, oldest first.
func (m *Monitor) Violations(identifier string) []ViolationRecord {
	sh := &m.identifiers[shardIndex(identifier)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	history := sh.violations[identifier]
	out := make([]ViolationRecord, len(history))
	copy(out, history)
	return out
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % monitorShards
}

func copyExtra(extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
