// Package postgres provides the Postgres-backed credential store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/credstore"
)

// Expected schema:
//
//	CREATE TABLE credentials (
//		id UUID PRIMARY KEY,
//		platform TEXT NOT NULL,
//		tier TEXT NOT NULL,
//		label TEXT NOT NULL DEFAULT '',
//		payload BYTEA NOT NULL,
//		daily_quota INT NOT NULL DEFAULT 0,
//		monthly_quota INT NOT NULL DEFAULT 0,
//		error_count INT NOT NULL DEFAULT 0,
//		active BOOLEAN NOT NULL DEFAULT TRUE,
//		created_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX credentials_platform_tier_idx ON credentials (platform, tier) WHERE active;

// Config controls the Postgres connection pool used for credential rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements credstore.Store on Postgres.
type Store struct {
	pool querier
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new active credential row.
func (s *Store) Create(
	ctx context.Context,
	platform string,
	tier arena.Tier,
	encrypted []byte,
	label string,
	quotas credstore.Quotas,
) (credstore.Credential, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("generate credential id: %w", err)
	}
	now := time.Now().UTC()
	const query = `
INSERT INTO credentials (
	id, platform, tier, label, payload,
	daily_quota, monthly_quota, error_count, active, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,0,TRUE,$8,$8)`
	if _, err := s.pool.Exec(ctx, query,
		id.String(), platform, string(tier), label, encrypted,
		quotas.Daily, quotas.Monthly, now,
	); err != nil {
		return credstore.Credential{}, fmt.Errorf("insert credential: %w", err)
	}
	return credstore.Credential{
		ID:        id.String(),
		Platform:  platform,
		Tier:      tier,
		Label:     label,
		Encrypted: encrypted,
		Quotas:    quotas,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// List returns credentials for (platform, tier), oldest first.
func (s *Store) List(
	ctx context.Context,
	platform string,
	tier arena.Tier,
	activeOnly bool,
) ([]credstore.Credential, error) {
	query := `
SELECT id, platform, tier, label, payload,
	daily_quota, monthly_quota, error_count, active, created_at, updated_at
FROM credentials
WHERE platform = $1 AND tier = $2`
	if activeOnly {
		query += " AND active"
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, platform, string(tier))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []credstore.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// Get fetches one credential by id.
func (s *Store) Get(ctx context.Context, id string) (credstore.Credential, error) {
	const query = `
SELECT id, platform, tier, label, payload,
	daily_quota, monthly_quota, error_count, active, created_at, updated_at
FROM credentials
WHERE id = $1`
	cred, err := scanCredential(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return credstore.Credential{}, credstore.ErrNotFound
	}
	return cred, err
}

// RecordError increments the consecutive error count and returns it.
func (s *Store) RecordError(ctx context.Context, id string) (int, error) {
	const query = `
UPDATE credentials
SET error_count = error_count + 1, updated_at = now()
WHERE id = $1
RETURNING error_count`
	var count int
	if err := s.pool.QueryRow(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, credstore.ErrNotFound
		}
		return 0, fmt.Errorf("record credential error: %w", err)
	}
	return count, nil
}

// RecordSuccess resets the consecutive error count.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE credentials SET error_count = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record credential success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credstore.ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes a credential row.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE credentials SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credstore.ErrNotFound
	}
	return nil
}

func scanCredential(row pgx.Row) (credstore.Credential, error) {
	var (
		cred credstore.Credential
		tier string
	)
	err := row.Scan(
		&cred.ID, &cred.Platform, &tier, &cred.Label, &cred.Encrypted,
		&cred.Quotas.Daily, &cred.Quotas.Monthly, &cred.ErrorCount,
		&cred.Active, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credstore.Credential{}, err
		}
		return credstore.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	cred.Tier = arena.Tier(tier)
	return cred, nil
}
