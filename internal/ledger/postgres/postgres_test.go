package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/ledger"
	"github.com/JakeFAU/harvester/internal/predicate"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newMockStore(t *testing.T) (*ledger.Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	db, err := NewWithPool(mock, "postgres://test")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	store, err := ledger.New(db, Dialect{}, ledger.PrimaryQueue(), fixedClock{now: now}, nil)
	require.NoError(t, err)
	return store, mock, now
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestMarkVisitedUsesDollarPlaceholders(t *testing.T) {
	t.Parallel()
	store, mock, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE identifiers SET visited = \$1, visited_at = \$2 WHERE id IN \(\$3,\$4\) AND visited = \$5`).
		WithArgs(true, now, int64(1), int64(2), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := store.MarkVisited(context.Background(), []int64{1, 2, 1})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	t.Parallel()
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM identifiers WHERE`).
		WithArgs("https://example.com/%", false).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.Count(context.Background(), predicate.Predicate{
		Clauses: []predicate.Clause{{Column: "url", Op: predicate.OpPrefix, Value: "https://example.com/"}},
	}, harvest.UnvisitedOnly)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertResultsRollsBackFailedRecordOnly(t *testing.T) {
	t.Parallel()
	store, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, url FROM identifiers WHERE url IN`).
		WithArgs("https://example.com/a", "https://example.com/b").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url"}).
			AddRow(int64(1), "https://example.com/a").
			AddRow(int64(2), "https://example.com/b"))
	mock.ExpectExec(`^SAVEPOINT result_upsert`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO results .* ON CONFLICT \(url\) DO UPDATE SET`).
		WithArgs(anyArgs(16)...).
		WillReturnError(errors.New("value too long"))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT result_upsert`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`^SAVEPOINT result_upsert`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO results`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^RELEASE SAVEPOINT result_upsert`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	report, err := store.UpsertResults(context.Background(), []harvest.Result{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	})
	require.NoError(t, err)
	require.Equal(t, harvest.UpsertReport{Saved: 1, Failed: 1}, report)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailureSurfaces(t *testing.T) {
	t.Parallel()
	store, mock, _ := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.MarkVisited(context.Background(), []int64{1})
	require.ErrorContains(t, err, "begin transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect(t *testing.T) {
	t.Parallel()

	q, err := ledger.SecondaryQueue("jobs")
	require.NoError(t, err)
	ddl := Dialect{}.Schema(q)
	require.Len(t, ddl, 3)
	require.Contains(t, ddl[0], "CREATE TABLE IF NOT EXISTS jobs_queue")
	require.Contains(t, ddl[2], "REFERENCES jobs_queue (id)")

	query, args := Dialect{}.TableExists("jobs_queue")
	require.Contains(t, query, "$1")
	require.Equal(t, []any{"jobs_queue"}, args)

	_, err = NewWithPool(nil, "")
	require.Error(t, err)
}
