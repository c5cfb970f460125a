// Package postgres runs the ledger on Postgres through a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvester/internal/ledger"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the ledger needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB adapts a pgx pool to ledger.DB.
type DB struct {
	pool     pool
	location string
}

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
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
	return &DB{pool: p, location: redact(poolCfg.ConnConfig)}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, location string) (*DB, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DB{pool: p, location: location}, nil
}

func redact(cfg *pgx.ConnConfig) string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

// Location returns the DSN without credentials.
func (d *DB) Location() string {
	return d.location
}

// Exec runs a statement and returns the affected row count.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query runs a multi-row query.
func (d *DB) Query(ctx context.Context, query string, args ...any) (ledger.Rows, error) {
	return d.pool.Query(ctx, query, args...)
}

// QueryRow runs a single-row query.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) ledger.Row {
	return d.pool.QueryRow(ctx, query, args...)
}

// Begin starts a transaction.
func (d *DB) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgTx{tx}, nil
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgTx) Query(ctx context.Context, query string, args ...any) (ledger.Rows, error) {
	return t.tx.Query(ctx, query, args...)
}

func (t pgTx) QueryRow(ctx context.Context, query string, args ...any) ledger.Row {
	return t.tx.QueryRow(ctx, query, args...)
}

func (t pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// Dialect renders Postgres DDL.
type Dialect struct{}

// Name implements ledger.Dialect.
func (Dialect) Name() string { return "postgres" }

// Placeholder implements ledger.Dialect.
func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

// Schema implements ledger.Dialect.
func (Dialect) Schema(q ledger.Queue) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	source_tag TEXT,
	last_modified_hint TEXT,
	parent_id BIGINT,
	visited BOOLEAN NOT NULL DEFAULT false,
	visited_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, q.Items),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_visited ON %[1]s (visited, id)`, q.Items),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	owner_id BIGINT NOT NULL REFERENCES %s (id),
	source_id TEXT,
	url TEXT NOT NULL UNIQUE,
	domain TEXT,
	source_timestamp BIGINT,
	search_batch_id TEXT,
	search_type TEXT,
	text_content TEXT,
	html_content TEXT,
	html_blob_uri TEXT,
	internal_links TEXT,
	external_links TEXT,
	latency_ms BIGINT,
	complete BOOLEAN NOT NULL DEFAULT false,
	source_created_at BIGINT,
	fetched_at TIMESTAMPTZ NOT NULL
)`, q.Results, q.Items),
	}
}

// TableExists implements ledger.Dialect.
func (Dialect) TableExists(table string) (string, []any) {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1", []any{table}
}
