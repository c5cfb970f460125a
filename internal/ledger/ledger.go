// Package ledger persists queued identifiers and their fetch results. A Store
// is bound to one Queue (an items table plus a results table) and renders
// every statement through squirrel so the same code runs on SQLite and
// Postgres.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var (
	// ErrUnknownQueue is returned when a queue's tables have not been created.
	ErrUnknownQueue = harvest.ErrUnknownQueue
	// ErrNotSecondary is returned when reseeding a queue with no source.
	ErrNotSecondary = errors.New("queue has no source queue")
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PrimaryName is the name of the queue discovered URLs are imported into.
const PrimaryName = "primary"

// Queue names the tables backing one queue.
type Queue struct {
	Name    string
	Items   string
	Results string
	// Source is the items table a secondary queue is seeded from.
	Source string
}

// PrimaryQueue returns the queue discovered URLs are imported into.
func PrimaryQueue() Queue {
	return Queue{Name: PrimaryName, Items: "identifiers", Results: "results"}
}

// SecondaryQueue returns a queue seeded from the primary queue.
func SecondaryQueue(name string) (Queue, error) {
	if name == PrimaryName || !validTableName.MatchString(name) {
		return Queue{}, fmt.Errorf("invalid secondary queue name %q", name)
	}
	return Queue{
		Name:    name,
		Items:   name + "_queue",
		Results: name + "_results",
		Source:  PrimaryQueue().Items,
	}, nil
}

// Validate checks the table names are safe to interpolate.
func (q Queue) Validate() error {
	for _, table := range []string{q.Items, q.Results} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
	}
	if q.Source != "" && !validTableName.MatchString(q.Source) {
		return fmt.Errorf("invalid table name %q", q.Source)
	}
	return nil
}

// IsSecondary reports whether the queue is seeded from another queue.
func (q Queue) IsSecondary() bool {
	return q.Source != ""
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows iterates a multi-row query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Execer runs statements.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Tx is a transaction on the ledger database.
type Tx interface {
	Execer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB is the connection a Store runs on. The sqlite and postgres subpackages
// provide implementations.
type DB interface {
	Execer
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
	// Location identifies the database to downstream processes.
	Location() string
}

// Dialect captures what differs between backends.
type Dialect interface {
	Name() string
	Placeholder() sq.PlaceholderFormat
	// Schema returns the DDL creating q's tables if they do not exist.
	Schema(q Queue) []string
	// TableExists returns a query yielding one row when table exists.
	TableExists(table string) (string, []any)
}

func inTx(ctx context.Context, db DB, fn func(Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
