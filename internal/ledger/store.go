package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// maxInList bounds the number of parameters in one IN (...) list.
const maxInList = 500

var resultColumns = []string{
	"owner_id",
	"source_id",
	"url",
	"domain",
	"source_timestamp",
	"search_batch_id",
	"search_type",
	"text_content",
	"html_content",
	"html_blob_uri",
	"internal_links",
	"external_links",
	"latency_ms",
	"complete",
	"source_created_at",
	"fetched_at",
}

// Store reads and writes one queue.
type Store struct {
	db      DB
	dialect Dialect
	queue   Queue
	builder sq.StatementBuilderType
	clock   harvest.Clock
	logger  *zap.Logger
}

// New binds a store to queue on db.
func New(db DB, dialect Dialect, queue Queue, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect == nil {
		return nil, fmt.Errorf("dialect is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		queue:   queue,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
		clock:   clock,
		logger:  logger.With(zap.String("queue", queue.Name)),
	}, nil
}

// WithQueue returns a store for another queue on the same database.
func (s *Store) WithQueue(queue Queue) (*Store, error) {
	return New(s.db, s.dialect, queue, s.clock, s.logger)
}

// Queue returns the queue the store is bound to.
func (s *Store) Queue() Queue {
	return s.queue
}

// Location identifies the underlying database.
func (s *Store) Location() string {
	return s.db.Location()
}

// Migrate creates the queue's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return inTx(ctx, s.db, func(tx Tx) error {
		for _, stmt := range s.dialect.Schema(s.queue) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", s.queue.Name, err)
			}
		}
		return nil
	})
}

// QueueExists reports whether the queue's items table has been created.
func (s *Store) QueueExists(ctx context.Context) (bool, error) {
	query, args := s.dialect.TableExists(s.queue.Items)
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", s.queue.Items, err)
	}
	return n > 0, nil
}

func (s *Store) where(pred predicate.Predicate, visited harvest.VisitedFilter) (sq.Sqlizer, error) {
	cond, err := pred.Sqlizer()
	if err != nil {
		return nil, err
	}
	switch visited {
	case harvest.VisitedOnly:
		return sq.And{cond, sq.Eq{"visited": true}}, nil
	case harvest.UnvisitedOnly:
		return sq.And{cond, sq.Eq{"visited": false}}, nil
	default:
		return cond, nil
	}
}

// SelectBatch returns up to limit unvisited identifiers matching pred in
// ascending id order.
func (s *Store) SelectBatch(ctx context.Context, pred predicate.Predicate, limit int) ([]harvest.Identifier, error) {
	cond, err := s.where(pred, harvest.UnvisitedOnly)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := s.builder.
		Select("id", "url", "COALESCE(source_tag, '')", "COALESCE(last_modified_hint, '')", "parent_id").
		From(s.queue.Items).
		Where(cond).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select batch: %w", err)
	}
	defer rows.Close()

	out := make([]harvest.Identifier, 0, limit)
	for rows.Next() {
		var ident harvest.Identifier
		if err := rows.Scan(&ident.ID, &ident.URL, &ident.SourceTag, &ident.LastModifiedHint, &ident.ParentID); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identifiers: %w", err)
	}
	return out, nil
}

// Count returns the number of identifiers matching pred and visited. It uses
// the same condition as SelectBatch.
func (s *Store) Count(ctx context.Context, pred predicate.Predicate, visited harvest.VisitedFilter) (int, error) {
	cond, err := s.where(pred, visited)
	if err != nil {
		return 0, err
	}
	query, args, err := s.builder.Select("COUNT(*)").From(s.queue.Items).Where(cond).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identifiers: %w", err)
	}
	return int(n), nil
}

// MarkVisited checkpoints ids in one transaction. Already visited rows keep
// their original timestamp. It returns the number of rows that changed state.
func (s *Store) MarkVisited(ctx context.Context, ids []int64) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	changed := 0
	err := inTx(ctx, s.db, func(tx Tx) error {
		for start := 0; start < len(ids); start += maxInList {
			chunk := ids[start:min(start+maxInList, len(ids))]
			query, args, err := s.builder.
				Update(s.queue.Items).
				Set("visited", true).
				Set("visited_at", now).
				Where(sq.Eq{"id": chunk}).
				Where(sq.Eq{"visited": false}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			n, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("mark visited: %w", err)
			}
			changed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// UpsertResults writes results keyed by URL, replacing earlier results for
// the same URL. Each record gets its own savepoint so one bad record does
// not abort the rest. Results whose URL has no identifier are dropped.
func (s *Store) UpsertResults(ctx context.Context, results []harvest.Result) (harvest.UpsertReport, error) {
	var report harvest.UpsertReport
	if len(results) == 0 {
		return report, nil
	}
	now := s.clock.Now()
	err := inTx(ctx, s.db, func(tx Tx) error {
		owners, err := s.resolveOwners(ctx, tx, results)
		if err != nil {
			return err
		}
		for _, res := range results {
			owner, ok := owners[res.URL]
			if !ok {
				report.Unresolved++
				s.logger.Warn("dropping result with no matching identifier", zap.String("url", res.URL))
				continue
			}
			if err := s.upsertOne(ctx, tx, owner, res, now); err != nil {
				report.Failed++
				s.logger.Error("persist result failed", zap.String("url", res.URL), zap.Error(err))
				continue
			}
			report.Saved++
		}
		return nil
	})
	if err != nil {
		return harvest.UpsertReport{}, err
	}
	return report, nil
}

func (s *Store) resolveOwners(ctx context.Context, tx Tx, results []harvest.Result) (map[string]int64, error) {
	urls := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		if _, ok := seen[res.URL]; ok {
			continue
		}
		seen[res.URL] = struct{}{}
		urls = append(urls, res.URL)
	}
	owners := make(map[string]int64, len(urls))
	for start := 0; start < len(urls); start += maxInList {
		chunk := urls[start:min(start+maxInList, len(urls))]
		query, args, err := s.builder.Select("id", "url").From(s.queue.Items).Where(sq.Eq{"url": chunk}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build owner lookup: %w", err)
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("resolve owners: %w", err)
		}
		for rows.Next() {
			var (
				id  int64
				url string
			)
			if err := rows.Scan(&id, &url); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan owner: %w", err)
			}
			owners[url] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate owners: %w", err)
		}
	}
	return owners, nil
}

func (s *Store) upsertOne(ctx context.Context, tx Tx, owner int64, res harvest.Result, now time.Time) error {
	internal, err := json.Marshal(nonNil(res.InternalLinks))
	if err != nil {
		return fmt.Errorf("marshal internal links: %w", err)
	}
	external, err := json.Marshal(nonNil(res.ExternalLinks))
	if err != nil {
		return fmt.Errorf("marshal external links: %w", err)
	}
	fetchedAt := now
	if !res.FetchedAt.IsZero() {
		fetchedAt = res.FetchedAt
	}
	query, args, err := s.builder.
		Insert(s.queue.Results).
		Columns(resultColumns...).
		Values(
			owner,
			res.SourceID,
			res.URL,
			res.Domain,
			res.Timestamp,
			res.SearchBatchID,
			res.SearchType,
			res.TextContent,
			res.HTMLContent,
			res.HTMLBlobURI,
			string(internal),
			string(external),
			res.LatencyMs,
			res.Complete,
			res.CreatedAt,
			fetchedAt,
		).
		Suffix(upsertSuffix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, "SAVEPOINT result_upsert"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT result_upsert"); rbErr != nil {
			return fmt.Errorf("upsert result: %w (rollback to savepoint: %v)", err, rbErr)
		}
		return fmt.Errorf("upsert result: %w", err)
	}
	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT result_upsert"); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func upsertSuffix() string {
	sets := make([]string, 0, len(resultColumns)-1)
	for _, col := range resultColumns {
		if col == "url" {
			continue
		}
		sets = append(sets, col+" = excluded."+col)
	}
	return "ON CONFLICT (url) DO UPDATE SET " + strings.Join(sets, ", ")
}

// InsertIdentifiers adds discovered URLs, skipping ones already queued. It
// returns the number of new identifiers.
func (s *Store) InsertIdentifiers(ctx context.Context, entries []harvest.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	inserted := 0
	err := inTx(ctx, s.db, func(tx Tx) error {
		for _, e := range entries {
			url := strings.TrimSpace(e.URL)
			if url == "" {
				continue
			}
			query, args, err := s.builder.
				Insert(s.queue.Items).
				Columns("url", "source_tag", "last_modified_hint", "visited").
				Values(url, nullable(e.SourceTag), nullable(e.LastModifiedHint), false).
				Suffix("ON CONFLICT (url) DO NOTHING").
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			n, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("insert identifier %s: %w", url, err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Stats summarizes the queue by source tag plus its results table.
func (s *Store) Stats(ctx context.Context) (harvest.Stats, error) {
	stats := harvest.Stats{Queue: s.queue.Name, BySource: []harvest.SourceStats{}}
	query, args, err := s.builder.
		Select(
			"COALESCE(source_tag, '')",
			"SUM(CASE WHEN visited THEN 1 ELSE 0 END)",
			"SUM(CASE WHEN visited THEN 0 ELSE 1 END)",
		).
		From(s.queue.Items).
		GroupBy("COALESCE(source_tag, '')").
		OrderBy("1").
		ToSql()
	if err != nil {
		return stats, fmt.Errorf("build stats: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	for rows.Next() {
		var (
			tag                string
			visited, unvisited int64
		)
		if err := rows.Scan(&tag, &visited, &unvisited); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.BySource = append(stats.BySource, harvest.SourceStats{
			SourceTag: tag,
			Visited:   int(visited),
			Unvisited: int(unvisited),
		})
		stats.Visited += int(visited)
		stats.Unvisited += int(unvisited)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}
	stats.Total = stats.Visited + stats.Unvisited

	query, args, err = s.builder.
		Select("COUNT(*)", "COALESCE(SUM(CASE WHEN complete THEN 1 ELSE 0 END), 0)").
		From(s.queue.Results).
		ToSql()
	if err != nil {
		return stats, fmt.Errorf("build result stats: %w", err)
	}
	var results, complete int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&results, &complete); err != nil {
		return stats, fmt.Errorf("query result stats: %w", err)
	}
	stats.Results = int(results)
	stats.CompleteResults = int(complete)
	return stats, nil
}

// ReseedQueue drops and rebuilds a secondary queue from the identifiers of its
// source queue matching pred. It returns the number of seeded identifiers.
func (s *Store) ReseedQueue(ctx context.Context, pred predicate.Predicate) (int, error) {
	if !s.queue.IsSecondary() {
		return 0, fmt.Errorf("reseed %s: %w", s.queue.Name, ErrNotSecondary)
	}
	cond, err := pred.Sqlizer()
	if err != nil {
		return 0, err
	}
	seeded := 0
	err = inTx(ctx, s.db, func(tx Tx) error {
		for _, table := range []string{s.queue.Results, s.queue.Items} {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		for _, stmt := range s.dialect.Schema(s.queue) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", s.queue.Name, err)
			}
		}
		sel := s.builder.
			Select("url", "source_tag", "last_modified_hint", "id").
			From(s.queue.Source).
			Where(cond).
			OrderBy("id")
		query, args, err := s.builder.
			Insert(s.queue.Items).
			Columns("url", "source_tag", "last_modified_hint", "parent_id").
			Select(sel).
			ToSql()
		if err != nil {
			return fmt.Errorf("build seed: %w", err)
		}
		n, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("seed %s: %w", s.queue.Name, err)
		}
		seeded = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("queue reseeded", zap.String("source", s.queue.Source), zap.Int("seeded", seeded), zap.String("predicate", pred.String()))
	return seeded, nil
}

// URLs lists every queued URL in id order.
func (s *Store) URLs(ctx context.Context) ([]string, error) {
	query, args, err := s.builder.Select("url").From(s.queue.Items).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build url list: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return urls, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
