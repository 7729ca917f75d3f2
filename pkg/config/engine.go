package config

import (
	"time"

	"admission-engine/pkg/monitor"
	"admission-engine/pkg/ratelimit"
)

// EngineConfig is the process configuration of limiterd.
type EngineConfig struct {
	// HTTPAddr is the listen address of the admission API. LIMITERD_ADDR, default ":8080".
	HTTPAddr string

	// ShutdownTimeout bounds graceful shutdown. LIMITERD_SHUTDOWN_TIMEOUT, default 15s.
	ShutdownTimeout time.Duration

	// DatabaseURL selects the Postgres state store. DATABASE_URL; empty means memory only.
	DatabaseURL string

	// PolicyFile is the YAML policy table. RATELIMIT_POLICY_FILE, default "policies.yaml".
	PolicyFile string

	// WatchPolicies reloads PolicyFile on change. RATELIMIT_POLICY_WATCH, default true.
	WatchPolicies bool

	// MaxKeys bounds the in-memory store. RATELIMIT_MAX_KEYS, default 100000.
	MaxKeys int

	// CleanupInterval is the store sweep period. RATELIMIT_CLEANUP_INTERVAL, default 1m.
	CleanupInterval time.Duration

	// FallbackTimeout bounds each remote store call. RATELIMIT_FALLBACK_TIMEOUT, default 50ms.
	FallbackTimeout time.Duration

	// MaxAttempts bounds compare-and-swap retries. RATELIMIT_MAX_ATTEMPTS, default 8.
	MaxAttempts int

	// ObserverQueueSize bounds the limiter's outcome queue. RATELIMIT_OBSERVER_QUEUE, default 4096.
	ObserverQueueSize int

	// TrustedProxies are CIDRs whose X-Forwarded-For is believed. TRUSTED_PROXIES.
	TrustedProxies []string

	// AdminAllowedClients are the CIDRs admitted to the /v1/ admin API.
	// ADMIN_ALLOWED_CIDRS, default loopback only.
	AdminAllowedClients []string

	// KeyHeader names a request header whose value identifies the caller
	// instead of the client IP. RATELIMIT_KEY_HEADER, default empty (client IP).
	// Set it only when a gateway in front authenticates that header.
	KeyHeader string

	// TraceSampleRatio is the root span sampling ratio. TRACE_SAMPLE_RATIO, default 0.1.
	TraceSampleRatio float64

	Monitor monitor.Config
	Alerts  AlertConfig
}

// AlertConfig selects the alert notifiers. Every URL is optional; with none
// set, alerts are only logged. Enabled=false drops alerts entirely.
type AlertConfig struct {
	Enabled    bool          // ALERTS_ENABLED, default true
	WebhookURL string        // ALERT_WEBHOOK_URL
	DiscordURL string        // DISCORD_WEBHOOK_URL
	SlackURL   string        // SLACK_WEBHOOK_URL
	Timeout    time.Duration // ALERT_TIMEOUT, default 10s
}

// LoadEngineConfig loads the engine configuration from environment variables.
//
// Invalid values are logged and replaced by their defaults; the function
// never fails.
func LoadEngineConfig() EngineConfig {
	cfg := EngineConfig{
		HTTPAddr:          GetEnvString("LIMITERD_ADDR", ":8080"),
		ShutdownTimeout:   GetEnvPositiveDuration("LIMITERD_SHUTDOWN_TIMEOUT", 15*time.Second),
		DatabaseURL:       GetEnvString("DATABASE_URL", ""),
		PolicyFile:        GetEnvString("RATELIMIT_POLICY_FILE", "policies.yaml"),
		WatchPolicies:     GetEnvBool("RATELIMIT_POLICY_WATCH", true),
		MaxKeys:           GetEnvPositiveInt("RATELIMIT_MAX_KEYS", 100000),
		CleanupInterval:   GetEnvPositiveDuration("RATELIMIT_CLEANUP_INTERVAL", ratelimit.DefaultCleanupInterval),
		MaxAttempts:       GetEnvPositiveInt("RATELIMIT_MAX_ATTEMPTS", ratelimit.DefaultMaxAttempts),
		ObserverQueueSize: GetEnvPositiveInt("RATELIMIT_OBSERVER_QUEUE", ratelimit.DefaultObserverQueueSize),
		TrustedProxies:    GetEnvStringList("TRUSTED_PROXIES", nil),
		TraceSampleRatio:  ratio("TRACE_SAMPLE_RATIO", 0.1),
		KeyHeader:         GetEnvString("RATELIMIT_KEY_HEADER", ""),
		Alerts: AlertConfig{
			Enabled:    GetEnvBool("ALERTS_ENABLED", true),
			WebhookURL: GetEnvString("ALERT_WEBHOOK_URL", ""),
			DiscordURL: GetEnvString("DISCORD_WEBHOOK_URL", ""),
			SlackURL:   GetEnvString("SLACK_WEBHOOK_URL", ""),
			Timeout:    GetEnvPositiveDuration("ALERT_TIMEOUT", 10*time.Second),
		},
	}

	cfg.FallbackTimeout = getEnv("RATELIMIT_FALLBACK_TIMEOUT", ratelimit.DefaultFallbackTimeout, time.ParseDuration,
		func(d time.Duration) error { return ValidateDurationRange(d, time.Millisecond, 5*time.Second) })

	cfg.AdminAllowedClients = GetEnvStringList("ADMIN_ALLOWED_CIDRS", []string{"127.0.0.0/8", "::1/128"})
	cfg.Monitor = LoadMonitorConfig()
	return cfg
}

// LoadMonitorConfig loads the violation monitor thresholds from MONITOR_*
// environment variables on top of monitor.DefaultConfig.
func LoadMonitorConfig() monitor.Config {
	d := monitor.DefaultConfig()
	return monitor.Config{
		BurstWindow:                GetEnvPositiveDuration("MONITOR_BURST_WINDOW", d.BurstWindow),
		BurstThreshold:             GetEnvPositiveInt("MONITOR_BURST_THRESHOLD", d.BurstThreshold),
		CoordinatedWindow:          GetEnvPositiveDuration("MONITOR_COORDINATED_WINDOW", d.CoordinatedWindow),
		CoordinatedThreshold:       GetEnvPositiveInt("MONITOR_COORDINATED_THRESHOLD", d.CoordinatedThreshold),
		HighRateMinRequests:        GetEnvPositiveInt("MONITOR_HIGH_RATE_MIN_REQUESTS", d.HighRateMinRequests),
		HighRateThreshold:          ratio("MONITOR_HIGH_RATE_THRESHOLD", d.HighRateThreshold),
		AlertCooldown:              GetEnvPositiveDuration("MONITOR_ALERT_COOLDOWN", d.AlertCooldown),
		Retention:                  GetEnvPositiveDuration("MONITOR_RETENTION", d.Retention),
		MaintenanceSchedule:        GetEnvString("MONITOR_MAINTENANCE_SCHEDULE", d.MaintenanceSchedule),
		PruneProbability:           ratio("MONITOR_PRUNE_PROBABILITY", d.PruneProbability),
		RequestEstimateMultiplier:  GetEnvPositiveInt("MONITOR_REQUEST_ESTIMATE_MULTIPLIER", d.RequestEstimateMultiplier),
		MaxViolationsPerIdentifier: GetEnvPositiveInt("MONITOR_MAX_VIOLATIONS_PER_IDENTIFIER", d.MaxViolationsPerIdentifier),
		MaxAlerts:                  GetEnvPositiveInt("MONITOR_MAX_ALERTS", d.MaxAlerts),
		TopViolators:               GetEnvPositiveInt("MONITOR_TOP_VIOLATORS", d.TopViolators),
		RecentAlerts:               GetEnvPositiveInt("MONITOR_RECENT_ALERTS", d.RecentAlerts),
		PerformanceTracking:        GetEnvBool("MONITOR_PERFORMANCE_TRACKING", d.PerformanceTracking),
		AlertQueueSize:             GetEnvPositiveInt("MONITOR_ALERT_QUEUE", d.AlertQueueSize),
		NotifyTimeout:              GetEnvPositiveDuration("MONITOR_NOTIFY_TIMEOUT", d.NotifyTimeout),
	}
}

func ratio(key string, def float64) float64 {
	return getEnv(key, def, parseFloat, ValidateRatio)
}
