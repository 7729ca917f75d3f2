package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"admission-engine/pkg/ratelimit"
)

// LimiterStateRepo is a ratelimit.KeyStore backed by the limiter_state table.
//
// Versions live in the row, so CompareAndSwap is a conditional UPDATE (or an
// INSERT ... ON CONFLICT DO NOTHING for new keys) and several processes can
// share one table. Every write takes its version from
// limiter_state_version_seq: a row that expires and is recreated never
// repeats a version, so a stale reader's UPDATE cannot match it. It does not report a StorageType, so a Limiter wraps it
// in a FallbackKeyStore.
type LimiterStateRepo struct {
	db    *sql.DB
	clock ratelimit.Clock
}

// NewLimiterStateRepo creates a repository using the system clock.
func NewLimiterStateRepo(db *sql.DB) *LimiterStateRepo {
	return &LimiterStateRepo{db: db, clock: &ratelimit.SystemClock{}}
}

// NewLimiterStateRepoWithClock creates a repository with an explicit clock.
func NewLimiterStateRepoWithClock(db *sql.DB, clock ratelimit.Clock) *LimiterStateRepo {
	return &LimiterStateRepo{db: db, clock: clock}
}

func (repo *LimiterStateRepo) Get(ctx context.Context, key string) (ratelimit.LimiterState, uint64, error) {
	const query = `
SELECT state, version, expires_at
FROM limiter_state
WHERE key = $1`
	var (
		data      []byte
		version   int64
		expiresAt time.Time
	)
	err := repo.db.QueryRowContext(ctx, query, key).Scan(&data, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("Get: %w", err)
	}

	if !repo.clock.Now().Before(expiresAt) {
		return nil, uint64(version), nil
	}

	// A row that does not decode is reported as empty under its version,
	// so the next CompareAndSwap overwrites it. Only I/O errors above make
	// the store look unavailable.
	state, err := ratelimit.DecodeState(data)
	if err != nil {
		slog.Warn("discarding undecodable limiter state",
			slog.String("key", key),
			slog.Int64("version", version),
			slog.Any("error", err))
		return nil, uint64(version), nil
	}
	return state, uint64(version), nil
}

func (repo *LimiterStateRepo) CompareAndSwap(ctx context.Context, key string, version uint64, state ratelimit.LimiterState, ttl time.Duration) (bool, error) {
	data, err := ratelimit.EncodeState(state)
	if err != nil {
		return false, fmt.Errorf("CompareAndSwap: %w", err)
	}
	expiresAt := repo.clock.Now().Add(ttl)

	var res sql.Result
	if version == 0 {
		const query = `
INSERT INTO limiter_state (key, state, version, expires_at)
VALUES ($1, $2, nextval('limiter_state_version_seq'), $3)
ON CONFLICT (key) DO NOTHING`
		res, err = repo.db.ExecContext(ctx, query, key, data, expiresAt)
	} else {
		const query = `
UPDATE limiter_state
SET state = $2, version = nextval('limiter_state_version_seq'), expires_at = $3
WHERE key = $1 AND version = $4`
		res, err = repo.db.ExecContext(ctx, query, key, data, expiresAt, int64(version))
	}
	if err != nil {
		return false, fmt.Errorf("CompareAndSwap: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("CompareAndSwap: %w", err)
	}
	return n == 1, nil
}

func (repo *LimiterStateRepo) Put(ctx context.Context, key string, state ratelimit.LimiterState, ttl time.Duration) error {
	const query = `
INSERT INTO limiter_state (key, state, version, expires_at)
VALUES ($1, $2, nextval('limiter_state_version_seq'), $3)
ON CONFLICT (key) DO UPDATE
SET state = EXCLUDED.state, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at`
	data, err := ratelimit.EncodeState(state)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	if _, err := repo.db.ExecContext(ctx, query, key, data, repo.clock.Now().Add(ttl)); err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

func (repo *LimiterStateRepo) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM limiter_state WHERE key = $1`
	if _, err := repo.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// DeleteExpired removes every row whose idle TTL elapsed before now.
func (repo *LimiterStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM limiter_state WHERE expires_at <= $1`
	res, err := repo.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("DeleteExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteExpired: %w", err)
	}
	return n, nil
}

// Sweep implements ratelimit.Sweeper.
func (repo *LimiterStateRepo) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := repo.DeleteExpired(ctx, now)
	return int(n), err
}

// KeyCount implements ratelimit.KeyCounter.
func (repo *LimiterStateRepo) KeyCount(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM limiter_state`
	var n int
	if err := repo.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("KeyCount: %w", err)
	}
	return n, nil
}
