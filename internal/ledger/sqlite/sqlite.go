// Package sqlite runs the ledger on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/harvester/internal/ledger"
)

const defaultParams = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"

// DB adapts *sql.DB to ledger.DB.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (and creates) the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := "file::memory:?_foreign_keys=on"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
		dsn = "file:" + path + "?" + defaultParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	return &DB{db: db, path: path}, nil
}

// Location returns the database file path.
func (d *DB) Location() string {
	return d.path
}

// Exec runs a statement and returns the affected row count.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execResult(d.db.ExecContext(ctx, query, args...))
}

// Query runs a multi-row query.
func (d *DB) Query(ctx context.Context, query string, args ...any) (ledger.Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

// QueryRow runs a single-row query.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) ledger.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Begin starts a transaction.
func (d *DB) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execResult(t.tx.ExecContext(ctx, query, args...))
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (ledger.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) ledger.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}

func execResult(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Dialect renders SQLite DDL.
type Dialect struct{}

// Name implements ledger.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Placeholder implements ledger.Dialect.
func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

// Schema implements ledger.Dialect.
func (Dialect) Schema(q ledger.Queue) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	source_tag TEXT,
	last_modified_hint TEXT,
	parent_id INTEGER,
	visited BOOLEAN NOT NULL DEFAULT 0,
	visited_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, q.Items),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_visited ON %[1]s (visited, id)`, q.Items),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	owner_id INTEGER NOT NULL REFERENCES %s (id),
	source_id TEXT,
	url TEXT NOT NULL UNIQUE,
	domain TEXT,
	source_timestamp INTEGER,
	search_batch_id TEXT,
	search_type TEXT,
	text_content TEXT,
	html_content TEXT,
	html_blob_uri TEXT,
	internal_links TEXT,
	external_links TEXT,
	latency_ms INTEGER,
	complete BOOLEAN NOT NULL DEFAULT 0,
	source_created_at INTEGER,
	fetched_at DATETIME NOT NULL
)`, q.Results, q.Items),
	}
}

// TableExists implements ledger.Dialect.
func (Dialect) TableExists(table string) (string, []any) {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", []any{table}
}
