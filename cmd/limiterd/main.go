// Command limiterd runs the admission-control engine as an HTTP service.
//
// Policies are read from a YAML file (RATELIMIT_POLICY_FILE) and reloaded on
// change. Limiter state lives in Postgres when DATABASE_URL is set and in
// memory otherwise; a failing Postgres store degrades to memory.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	pgRepo "admission-engine/internal/infra/adapter/persistence/postgres"
	"admission-engine/internal/infra/db"
	"admission-engine/internal/infra/notifier"
	"admission-engine/internal/observability/logging"
	"admission-engine/internal/observability/metrics"
	"admission-engine/internal/observability/slo"
	"admission-engine/internal/observability/tracing"
	"admission-engine/internal/resilience/retry"
	"admission-engine/pkg/config"
	"admission-engine/pkg/monitor"
	"admission-engine/pkg/ratelimit"

	hhttp "admission-engine/internal/handler/http"
	"admission-engine/internal/handler/http/middleware"
)

const (
	sloFlushInterval     = time.Minute
	poolStatsInterval    = 15 * time.Second
	storageCheckInterval = 5 * time.Second
)

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	cfg := config.LoadEngineConfig()
	version := getVersion()

	if err := run(logger, cfg, version); err != nil {
		logger.Error("limiterd stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// getVersion returns the application version from environment or default.
func getVersion() string {
	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	return version
}

// components holds everything run wires together.
type components struct {
	database *sql.DB
	limiter  *ratelimit.Limiter
	monitor  *monitor.Monitor
	watcher  *config.PolicyWatcher
	tracker  *slo.Tracker
	registry *prometheus.Registry
	server   *http.Server
}

func run(logger *slog.Logger, cfg config.EngineConfig, version string) error {
	shutdownTracing := tracing.Init(nil, cfg.TraceSampleRatio)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, logger, cfg, version)
	if err != nil {
		return err
	}
	defer c.close(logger)

	return serve(ctx, logger, cfg, c)
}

// setup builds the limiter, the monitor and the HTTP server.
func setup(ctx context.Context, logger *slog.Logger, cfg config.EngineConfig, version string) (*components, error) {
	c := &components{
		registry: prometheus.NewRegistry(),
		tracker:  slo.NewTracker(slo.DefaultMaxSamples),
	}

	limiterMetrics := ratelimit.NewPrometheusMetricsWithRegistry(c.registry)
	memory := ratelimit.NewMemoryKeyStore(ratelimit.MemoryStoreConfig{
		MaxKeys: cfg.MaxKeys,
		Metrics: limiterMetrics,
	})

	var store ratelimit.KeyStore = memory
	if cfg.DatabaseURL != "" {
		database, err := initDatabase(ctx, logger, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.database = database
		store = ratelimit.NewFallbackKeyStore(pgRepo.NewLimiterStateRepo(database), ratelimit.FallbackConfig{
			Timeout: cfg.FallbackTimeout,
			Memory:  memory,
			Metrics: limiterMetrics,
			Logger:  logger,
		})
		logger.Info("limiter state stored in postgres",
			slog.Duration("fallback_timeout", cfg.FallbackTimeout))
	} else {
		logger.Info("limiter state stored in memory", slog.Int("max_keys", cfg.MaxKeys))
	}

	monitorCfg := cfg.Monitor
	monitorCfg.Notifier = buildNotifier(logger, cfg.Alerts)
	monitorCfg.Metrics = monitor.NewPrometheusMetrics(c.registry)
	monitorCfg.Logger = logger
	monitorCfg.OnMaintenance = func(result monitor.MaintenanceResult, took time.Duration) {
		metrics.RecordMaintenance("monitor", took, result.Removed())
	}
	mon, err := monitor.New(monitorCfg)
	if err != nil {
		c.close(logger)
		return nil, err
	}
	c.monitor = mon

	policies := ratelimit.NewPolicyRegistry()
	c.limiter = ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Store:             store,
		Policies:          policies,
		Observer:          mon,
		ObserverQueueSize: cfg.ObserverQueueSize,
		MaxAttempts:       cfg.MaxAttempts,
		CleanupInterval:   cfg.CleanupInterval,
		OnMaintenance: func(removed int, took time.Duration) {
			metrics.RecordMaintenance("store", took, removed)
		},
		Metrics: limiterMetrics,
		Logger:  logger,
		Tracer:  tracing.GetTracer(),
	})

	routes := middleware.NewRouteTable(nil, "")
	c.watcher, err = config.NewPolicyWatcher(cfg.PolicyFile, policies,
		config.WithWatcherLogger(logger),
		config.WithReloadHook(func(set *config.PolicySet, err error) {
			if err != nil {
				metrics.RecordPolicyReload(false, 0)
				return
			}
			metrics.RecordPolicyReload(true, len(set.Policies))
			routes.Set(toRoutes(set.Routes), set.DefaultPolicy)
		}),
	)
	if err != nil {
		c.close(logger)
		return nil, err
	}
	if _, err := c.watcher.Load(); err != nil {
		c.close(logger)
		return nil, err
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		c.close(logger)
		return nil, err
	}
	if proxies.Enabled() {
		logger.Info("trusted proxy mode enabled", slog.Int("trusted_proxies_count", len(proxies.AllowedCIDRs)))
	} else {
		logger.Info("using RemoteAddr for client IPs, proxy headers ignored")
	}

	adminClients, err := middleware.ParsePrefixes(cfg.AdminAllowedClients)
	if err != nil {
		c.close(logger)
		return nil, fmt.Errorf("admin allowlist: %w", err)
	}
	if cfg.KeyHeader != "" {
		logger.Warn("rate limiting by request header, the gateway must authenticate it",
			slog.String("header", cfg.KeyHeader))
	}
	extractor := middleware.NewIPExtractor(proxies)

	handler := hhttp.NewRouter(hhttp.RouterConfig{
		Admin: &hhttp.AdminHandler{
			Limiter: c.limiter,
			Monitor: mon,
			Logger:  logger,
		},
		Health: &hhttp.HealthHandler{
			DB:       c.database,
			Limiter:  c.limiter,
			Policies: policies,
			Version:  version,
		},
		Metrics: hhttp.MetricsHandler(prometheus.DefaultGatherer, c.registry),
		AdminGuard: middleware.AllowClients(adminClients, extractor, logger),
		RateLimit: middleware.RateLimit(middleware.RateLimitConfig{
			Limiter:     c.limiter,
			Policy:      routes.PolicyFunc(),
			Key:         middleware.KeyFor(cfg.KeyHeader),
			IPExtractor: extractor,
			Logger:      logger,
		}),
		SLO:    c.tracker,
		Logger: logger,
	})

	c.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	return c, nil
}

// initDatabase opens the state database, retrying transient failures, and
// runs migrations.
func initDatabase(ctx context.Context, logger *slog.Logger, dsn string) (*sql.DB, error) {
	var database *sql.DB
	err := retry.WithBackoff(ctx, retry.DBConfig(), func() error {
		var err error
		database, err = db.Open(ctx, dsn)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(ctx, database); err != nil {
		_ = database.Close()
		return nil, err
	}
	logger.Info("database migrated")
	return database, nil
}

// buildNotifier assembles the alert notifiers. Enabled alerts are always
// logged; webhooks are added for every configured URL.
func buildNotifier(logger *slog.Logger, cfg config.AlertConfig) monitor.AlertNotifier {
	if !cfg.Enabled {
		logger.Info("alerting disabled")
		return notifier.NoOp{}
	}
	notifiers := notifier.Multi{notifier.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notifier.NewWebhookNotifier(notifier.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: cfg.Timeout,
		}, logger))
	}
	if cfg.DiscordURL != "" {
		notifiers = append(notifiers, notifier.NewDiscordNotifier(notifier.DiscordConfig{
			Enabled:    true,
			WebhookURL: cfg.DiscordURL,
			Timeout:    cfg.Timeout,
		}, logger))
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, notifier.NewSlackNotifier(notifier.SlackConfig{
			Enabled:    true,
			WebhookURL: cfg.SlackURL,
			Timeout:    cfg.Timeout,
		}, logger))
	}
	logger.Info("alert notifiers configured", slog.Int("count", len(notifiers)))
	return notifiers
}

func toRoutes(specs []config.RouteSpec) []middleware.Route {
	routes := make([]middleware.Route, 0, len(specs))
	for _, s := range specs {
		routes = append(routes, middleware.Route{Prefix: s.Prefix, Policy: s.Policy})
	}
	return routes
}

// serve runs the server and the background loops until ctx is cancelled
// or one of them fails.
func serve(ctx context.Context, logger *slog.Logger, cfg config.EngineConfig, c *components) error {
	c.monitor.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", cfg.HTTPAddr))
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return c.limiter.RunMaintenance(gctx)
	})

	if cfg.WatchPolicies {
		g.Go(func() error {
			return c.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		every(gctx, sloFlushInterval, func() {
			snap := c.tracker.Flush()
			if missed := snap.MissedObjectives(); len(missed) > 0 {
				logger.Warn("SLO targets missed",
					slog.Any("objectives", missed),
					slog.Int64("requests", snap.Requests),
					slog.Float64("availability", snap.Availability),
					slog.Duration("latency_p95", snap.LatencyP95),
					slog.Duration("latency_p99", snap.LatencyP99))
			}
		})
		return nil
	})

	g.Go(func() error {
		metrics.SetStorageBackend(string(c.limiter.StorageType()))
		every(gctx, storageCheckInterval, func() {
			metrics.SetStorageBackend(string(c.limiter.StorageType()))
		})
		return nil
	})

	if c.database != nil {
		g.Go(func() error {
			every(gctx, poolStatsInterval, func() {
				stats := c.database.Stats()
				metrics.UpdateDBConnectionStats(stats.InUse, stats.Idle)
			})
			return nil
		})
	}

	err := g.Wait()
	logger.Info("server stopped")
	return err
}

// every calls fn each interval until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// close releases everything in reverse order of construction. The limiter
// is closed before the monitor so that queued outcomes are still observed.
func (c *components) close(logger *slog.Logger) {
	if c.limiter != nil {
		if err := c.limiter.Close(); err != nil {
			logger.Warn("limiter close failed", slog.Any("error", err))
		}
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.database != nil {
		if err := c.database.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}
}
