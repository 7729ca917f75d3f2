package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"admission-engine/pkg/config"
)

// ErrEmptyDSN is returned by Open when no data source name is configured.
var ErrEmptyDSN = errors.New("db: empty dsn")

// PoolConfig sizes the shared connection pool behind the remote key store.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPoolConfig keeps every open connection idle-eligible: limit checks
// are short single-statement transactions and arrive in bursts.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    20,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// LoadPoolConfig reads DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS,
// DB_CONN_MAX_LIFETIME, DB_CONN_MAX_IDLE_TIME and DB_PING_TIMEOUT.
// Invalid values are logged and replaced by the defaults.
func LoadPoolConfig() PoolConfig {
	def := DefaultPoolConfig()
	cfg := PoolConfig{
		MaxOpenConns:    config.GetEnvPositiveInt("DB_MAX_OPEN_CONNS", def.MaxOpenConns),
		MaxIdleConns:    config.GetEnvPositiveInt("DB_MAX_IDLE_CONNS", def.MaxIdleConns),
		ConnMaxLifetime: config.GetEnvPositiveDuration("DB_CONN_MAX_LIFETIME", def.ConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvPositiveDuration("DB_CONN_MAX_IDLE_TIME", def.ConnMaxIdleTime),
		PingTimeout:     config.GetEnvPositiveDuration("DB_PING_TIMEOUT", def.PingTimeout),
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		slog.Warn("DB_MAX_IDLE_CONNS exceeds DB_MAX_OPEN_CONNS, clamping",
			slog.Int("max_idle_conns", cfg.MaxIdleConns),
			slog.Int("max_open_conns", cfg.MaxOpenConns))
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return cfg
}

// Apply sets the pool limits on db.
func (c PoolConfig) Apply(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Open connects to Postgres through the pgx stdlib driver, applies the pool
// settings from LoadPoolConfig and pings the server before returning.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return OpenWithConfig(ctx, dsn, LoadPoolConfig())
}

// OpenWithConfig is Open with an explicit pool configuration.
func OpenWithConfig(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	cfg.Apply(db)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	slog.Info("key store database connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", cfg.ConnMaxIdleTime))
	return db, nil
}
