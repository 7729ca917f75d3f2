package db

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	up   string
	down string
}

// schema is applied in order by MigrateUp and reversed by MigrateDown.
//
// Versions are drawn from a sequence, so a key that is deleted and written
// again never gets a version an older reader might still hold.
var schema = []migration{
	{
		name: "limiter_state_version_seq",
		up:   `CREATE SEQUENCE IF NOT EXISTS limiter_state_version_seq`,
		down: `DROP SEQUENCE IF EXISTS limiter_state_version_seq`,
	},
	{
		name: "limiter_state",
		up: `CREATE TABLE IF NOT EXISTS limiter_state (
    key        TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    version    BIGINT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`,
		down: `DROP TABLE IF EXISTS limiter_state`,
	},
	{
		name: "limiter_state_expires_at",
		up:   `CREATE INDEX IF NOT EXISTS idx_limiter_state_expires_at ON limiter_state(expires_at)`,
		down: `DROP INDEX IF EXISTS idx_limiter_state_expires_at`,
	},
}

// MigrateUp creates the limiter state schema. It is idempotent.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	for _, m := range schema {
		if _, err := db.ExecContext(ctx, m.up); err != nil {
			return fmt.Errorf("db: migrate up %s: %w", m.name, err)
		}
	}
	return nil
}

// MigrateDown drops the limiter state schema. Every stored budget is lost.
func MigrateDown(ctx context.Context, db *sql.DB) error {
	for i := len(schema) - 1; i >= 0; i-- {
		if _, err := db.ExecContext(ctx, schema[i].down); err != nil {
			return fmt.Errorf("db: migrate down %s: %w", schema[i].name, err)
		}
	}
	return nil
}
