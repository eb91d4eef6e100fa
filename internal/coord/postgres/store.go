// Package postgres provides the cross-process coordination store. Each
// mutation runs in a transaction holding a per-key advisory lock, so
// concurrent workers on different hosts cannot interleave the check and the
// write.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medialens/arena-collector/internal/coord"
)

// Expected schema:
//
//	CREATE TABLE leases (
//		key TEXT PRIMARY KEY,
//		holder TEXT NOT NULL,
//		expires_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE quota_counters (
//		key TEXT NOT NULL,
//		window_start TIMESTAMPTZ NOT NULL,
//		count INT NOT NULL DEFAULT 0,
//		PRIMARY KEY (key, window_start)
//	);
//	CREATE TABLE rate_slots (
//		key TEXT NOT NULL,
//		ts TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX rate_slots_key_ts_idx ON rate_slots (key, ts);
//	CREATE TABLE cooldowns (
//		key TEXT PRIMARY KEY,
//		until_ts TIMESTAMPTZ NOT NULL
//	);

// Config controls the Postgres connection pool for coordination state.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements coord.Store on Postgres.
type Store struct {
	pool pool
	now  func() time.Time
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("coordination.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewStoreWithPool constructs a store from an existing pool (testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// AcquireCredential implements the indivisible lease+quota acquisition.
func (s *Store) AcquireCredential(
	ctx context.Context,
	credID, holder string,
	ttl time.Duration,
	quotas []coord.Quota,
) (ok bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer rollback(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "lease:"+credID); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	now := s.now()
	var (
		curHolder string
		expires   time.Time
	)
	scanErr := tx.QueryRow(ctx,
		`SELECT holder, expires_at FROM leases WHERE key = $1`, credID,
	).Scan(&curHolder, &expires)
	switch {
	case scanErr == nil:
		if expires.After(now) && curHolder != holder {
			return false, tx.Rollback(ctx)
		}
	case errors.Is(scanErr, pgx.ErrNoRows):
	default:
		return false, fmt.Errorf("read lease: %w", scanErr)
	}

	for _, q := range quotas {
		if q.Limit <= 0 {
			continue
		}
		var count int
		scanErr := tx.QueryRow(ctx,
			`SELECT count FROM quota_counters WHERE key = $1 AND window_start = $2`,
			q.Key, q.WindowStart,
		).Scan(&count)
		if scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
			return false, fmt.Errorf("read quota counter: %w", scanErr)
		}
		if count >= q.Limit {
			return false, tx.Rollback(ctx)
		}
	}

	if _, err = tx.Exec(ctx, `
INSERT INTO leases (key, holder, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at`,
		credID, holder, now.Add(ttl),
	); err != nil {
		return false, fmt.Errorf("write lease: %w", err)
	}
	for _, q := range quotas {
		if q.Limit <= 0 {
			continue
		}
		if _, err = tx.Exec(ctx, `
INSERT INTO quota_counters (key, window_start, count) VALUES ($1, $2, 1)
ON CONFLICT (key, window_start) DO UPDATE SET count = quota_counters.count + 1`,
			q.Key, q.WindowStart,
		); err != nil {
			return false, fmt.Errorf("increment quota counter: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit acquire tx: %w", err)
	}
	return true, nil
}

// ReleaseLease deletes the lease if held by holder; idempotent.
func (s *Store) ReleaseLease(ctx context.Context, credID, holder string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE key = $1 AND holder = $2`, credID, holder,
	); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LeaseHolder reports the unexpired lease holder, if any.
func (s *Store) LeaseHolder(ctx context.Context, credID string) (string, bool, error) {
	var holder string
	err := s.pool.QueryRow(ctx,
		`SELECT holder FROM leases WHERE key = $1 AND expires_at > $2`, credID, s.now(),
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read lease holder: %w", err)
	}
	return holder, true, nil
}

// TakeSlot implements the atomic sliding-window increment-if-under-limit.
func (s *Store) TakeSlot(ctx context.Context, key string, limit int, window time.Duration) (ok bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin slot tx: %w", err)
	}
	defer rollback(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "slots:"+key); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-window)
	if _, err = tx.Exec(ctx, `DELETE FROM rate_slots WHERE key = $1 AND ts <= $2`, key, cutoff); err != nil {
		return false, fmt.Errorf("prune rate slots: %w", err)
	}
	var count int
	if err = tx.QueryRow(ctx,
		`SELECT count(*) FROM rate_slots WHERE key = $1 AND ts > $2`, key, cutoff,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("count rate slots: %w", err)
	}
	if count >= limit {
		return false, tx.Rollback(ctx)
	}
	if _, err = tx.Exec(ctx, `INSERT INTO rate_slots (key, ts) VALUES ($1, $2)`, key, now); err != nil {
		return false, fmt.Errorf("insert rate slot: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit slot tx: %w", err)
	}
	return true, nil
}

// SetCooldown opens or extends a cooldown.
func (s *Store) SetCooldown(ctx context.Context, key string, until time.Time) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO cooldowns (key, until_ts) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET until_ts = EXCLUDED.until_ts`,
		key, until,
	); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// CooldownUntil reports an active cooldown's expiry.
func (s *Store) CooldownUntil(ctx context.Context, key string) (time.Time, bool, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT until_ts FROM cooldowns WHERE key = $1 AND until_ts > $2`, key, s.now(),
	).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cooldown: %w", err)
	}
	return until, true, nil
}

// ClearCooldown removes a cooldown.
func (s *Store) ClearCooldown(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cooldowns WHERE key = $1`, key); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, err *error) {
	if *err == nil {
		return
	}
	if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		*err = fmt.Errorf("%w (rollback: %v)", *err, rbErr)
	}
}
