// Package coordinator runs the select, fetch, persist, checkpoint cycle and
// the loop that repeats it until a queue drains or stops making progress.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// DefaultBatchSize is used when neither the caller nor config sets a limit.
const DefaultBatchSize = 100

// Deps are the collaborators of a Coordinator. Archiver and Processor are
// optional.
type Deps struct {
	Ledger    harvest.Ledger
	Fetcher   harvest.BulkFetcher
	Archiver  harvest.Archiver
	Processor harvest.Processor
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	// Location identifies the ledger to the processor.
	Location string
}

// Config tunes a Coordinator.
type Config struct {
	Queue       string
	BatchSize   int
	Checkpoint  harvest.CheckpointPolicy
	ExpectedMax int
}

// Coordinator drives one queue.
type Coordinator struct {
	ledger    harvest.Ledger
	fetcher   harvest.BulkFetcher
	archiver  harvest.Archiver
	processor harvest.Processor
	clock     harvest.Clock
	ids       harvest.IDGenerator
	location  string
	cfg       Config
	logger    *zap.Logger
}

// New validates deps and builds a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = "primary"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = harvest.CheckpointAll
	}
	return &Coordinator{
		ledger:    deps.Ledger,
		fetcher:   deps.Fetcher,
		archiver:  deps.Archiver,
		processor: deps.Processor,
		clock:     deps.Clock,
		ids:       deps.IDs,
		location:  deps.Location,
		cfg:       cfg,
		logger:    logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

// RunBatch selects up to limit unvisited identifiers matching pred, fetches
// them in one bulk call, persists what came back and checkpoints the
// selection. Ledger failures are returned as errors; fetch and persist
// failures are recorded on the result.
func (c *Coordinator) RunBatch(ctx context.Context, pred predicate.Predicate, limit int, waitHint time.Duration) (harvest.BatchResult, error) {
	var res harvest.BatchResult
	limit = c.limit(limit)
	start := c.clock.Now()

	batch, err := c.ledger.SelectBatch(ctx, pred, limit)
	if err != nil {
		return res, fmt.Errorf("select batch: %w", err)
	}
	if len(batch) == 0 {
		c.logger.Info("no unvisited identifiers match", zap.String("predicate", pred.String()))
		return res, nil
	}

	urls := make([]string, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	inBatch := make(map[string]struct{}, len(batch))
	for _, ident := range batch {
		urls = append(urls, ident.URL)
		ids = append(ids, ident.ID)
		inBatch[ident.URL] = struct{}{}
	}

	out := c.fetcher.Fetch(ctx, urls, harvest.FetchOptions{WaitHint: waitHint})
	res.Attempted = out.Attempted
	res.Returned = len(out.Results)
	res.FetchErr = out.Err
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("batch interrupted before checkpoint: %w", err)
	}

	// One record per url; a repeated url keeps the last copy returned.
	matched := make([]harvest.Result, 0, len(out.Results))
	returned := make(map[string]int, len(out.Results))
	for _, r := range out.Results {
		if _, ok := inBatch[r.URL]; !ok {
			res.Unresolved++
			c.logger.Warn("result does not match any selected identifier", zap.String("url", r.URL))
			continue
		}
		if i, ok := returned[r.URL]; ok {
			matched[i] = r
			continue
		}
		returned[r.URL] = len(matched)
		matched = append(matched, r)
	}
	res.Missing = res.Attempted - len(returned)

	if c.archiver != nil && len(matched) > 0 {
		matched, res.Archived = c.archiver.Offload(ctx, matched)
	}
	if len(matched) > 0 {
		report, err := c.ledger.UpsertResults(ctx, matched)
		switch {
		case err != nil:
			res.PersistErr = fmt.Errorf("persist results: %w", err)
			c.logger.Error("persist results failed", zap.Int("results", len(matched)), zap.Error(err))
		case report.Failed > 0:
			res.PersistErr = fmt.Errorf("persist results: %d of %d records rejected", report.Failed, len(matched))
		}
		res.Saved = report.Saved
		res.Unresolved += report.Unresolved
	}

	toMark := ids
	if c.cfg.Checkpoint == harvest.CheckpointReturned && out.Err != nil {
		toMark = nil
		c.logger.Warn("fetch failed; leaving batch unvisited", zap.Int("identifiers", len(ids)))
	}
	if len(toMark) > 0 {
		if _, err := c.ledger.MarkVisited(ctx, toMark); err != nil {
			return res, fmt.Errorf("mark visited: %w", err)
		}
		res.Visited = len(toMark)
	}

	duration := c.clock.Now().Sub(start)
	metrics.ObserveBatch(c.cfg.Queue, batchOutcome(res), res.Attempted, res.Saved, res.Missing, duration)
	fields := []zap.Field{
		zap.Int("attempted", res.Attempted),
		zap.Int("returned", res.Returned),
		zap.Int("saved", res.Saved),
		zap.Int("missing", res.Missing),
		zap.Int("visited", res.Visited),
		zap.Int("fetch_attempts", out.Attempts),
		zap.Duration("duration", duration),
	}
	if res.Archived > 0 {
		fields = append(fields, zap.Int("archived", res.Archived))
	}
	if err := res.Err(); err != nil {
		c.logger.Warn("batch finished with errors", append(fields, zap.Error(err))...)
	} else {
		c.logger.Info("batch finished", fields...)
	}
	return res, nil
}

func (c *Coordinator) limit(n int) int {
	if n <= 0 {
		return c.cfg.BatchSize
	}
	return n
}

func batchOutcome(res harvest.BatchResult) string {
	switch {
	case res.FetchErr != nil:
		return "fetch_error"
	case res.PersistErr != nil:
		return "persist_error"
	case res.Returned == 0:
		return "empty"
	default:
		return "ok"
	}
}

// Check reports how much of the selection has been visited.
func (c *Coordinator) Check(ctx context.Context, pred predicate.Predicate) (harvest.Progress, error) {
	return Measure(ctx, c.ledger, pred)
}

// Counter counts identifiers of a queue.
type Counter interface {
	Count(ctx context.Context, pred predicate.Predicate, visited harvest.VisitedFilter) (int, error)
}

// Measure counts the total and remaining identifiers matching pred.
func Measure(ctx context.Context, counter Counter, pred predicate.Predicate) (harvest.Progress, error) {
	total, err := counter.Count(ctx, pred, harvest.VisitedAny)
	if err != nil {
		return harvest.Progress{}, fmt.Errorf("count total: %w", err)
	}
	remaining, err := counter.Count(ctx, pred, harvest.UnvisitedOnly)
	if err != nil {
		return harvest.Progress{}, fmt.Errorf("count remaining: %w", err)
	}
	return harvest.Progress{Total: total, Visited: total - remaining, Remaining: remaining}, nil
}

// Process hands a finished batch to the downstream processor. It returns a
// successful outcome when no processor is configured.
func (c *Coordinator) Process(ctx context.Context, runID string, batchNum int, res harvest.BatchResult) harvest.ProcessorOutcome {
	if c.processor == nil {
		return harvest.ProcessorOutcome{OK: true}
	}
	notice := harvest.ProcessorNotice{
		RunID:     runID,
		Queue:     c.cfg.Queue,
		Batch:     batchNum,
		Attempted: res.Attempted,
		Saved:     res.Saved,
		Visited:   res.Visited,
		Location:  c.location,
		At:        c.clock.Now(),
	}
	out := c.processor.Run(ctx, notice)
	metrics.ObserveProcessor(out.OK)
	if out.OK {
		c.logger.Info("processor finished",
			zap.String("run_id", runID),
			zap.Int("batch", batchNum),
			zap.Duration("duration", out.Duration),
		)
	} else {
		c.logger.Warn("processor failed",
			zap.String("run_id", runID),
			zap.Int("batch", batchNum),
			zap.String("detail", out.Detail),
			zap.Error(out.Err),
		)
	}
	return out
}
