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

// StopReason explains why a pipeline run ended.
type StopReason string

// Stop reasons.
const (
	StopDrained         StopReason = "drained"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopEmptySelection  StopReason = "stalled_empty_selection"
	StopZeroSaved       StopReason = "stalled_zero_saved"
	StopFetchFailed     StopReason = "stalled_fetch_failed"
	StopCanceled        StopReason = "canceled"
)

// PipelineOptions bounds one pipeline run.
type PipelineOptions struct {
	Limit      int
	MaxBatches int
	WaitHint   time.Duration
	// StopOnZeroSaved ends the run after a batch that persisted nothing.
	StopOnZeroSaved bool
}

// PipelineReport accumulates the batches of one run.
type PipelineReport struct {
	RunID             string        `json:"run_id"`
	Batches           int           `json:"batches"`
	Attempted         int           `json:"attempted"`
	Saved             int           `json:"saved"`
	Visited           int           `json:"visited"`
	Missing           int           `json:"missing"`
	FetchFailures     int           `json:"fetch_failures"`
	Processed         int           `json:"processed"`
	ProcessorFailures int           `json:"processor_failures"`
	Remaining         int           `json:"remaining"`
	Stop              StopReason    `json:"stop"`
	Duration          time.Duration `json:"duration"`
}

// RunPipeline repeats RunBatch until no unvisited identifier matches pred,
// the batch budget is spent, a batch makes no progress, or ctx is canceled.
// The remaining count is re-read before every batch.
func (c *Coordinator) RunPipeline(ctx context.Context, pred predicate.Predicate, opts PipelineOptions) (PipelineReport, error) {
	var report PipelineReport
	if err := pred.Validate(); err != nil {
		return report, err
	}
	runID, err := c.ids.NewID()
	if err != nil {
		return report, fmt.Errorf("run id: %w", err)
	}
	report.RunID = runID
	logger := c.logger.With(zap.String("run_id", runID), zap.String("predicate", pred.Name))
	start := c.clock.Now()
	logger.Info("pipeline starting",
		zap.Int("batch_size", c.limit(opts.Limit)),
		zap.Int("max_batches", opts.MaxBatches),
		zap.String("filter", pred.String()),
	)

	for first := true; ; first = false {
		if ctx.Err() != nil {
			report.Stop = StopCanceled
			break
		}
		remaining, err := c.ledger.Count(ctx, pred, harvest.UnvisitedOnly)
		if err != nil {
			if ctx.Err() != nil {
				report.Stop = StopCanceled
				break
			}
			return report, fmt.Errorf("count remaining: %w", err)
		}
		report.Remaining = remaining
		metrics.SetRemaining(c.cfg.Queue, remaining)
		if first && c.cfg.ExpectedMax > 0 && remaining > c.cfg.ExpectedMax {
			logger.Warn("selection is larger than expected; check the predicate",
				zap.Int("remaining", remaining),
				zap.Int("expected_max", c.cfg.ExpectedMax),
			)
		}
		if remaining == 0 {
			report.Stop = StopDrained
			break
		}
		if opts.MaxBatches > 0 && report.Batches >= opts.MaxBatches {
			report.Stop = StopBudgetExhausted
			break
		}

		res, err := c.RunBatch(ctx, pred, opts.Limit, opts.WaitHint)
		if err != nil {
			if ctx.Err() != nil {
				report.Stop = StopCanceled
				break
			}
			return report, err
		}
		if res.Attempted == 0 {
			logger.Warn("selection returned nothing while identifiers remain", zap.Int("remaining", remaining))
			report.Stop = StopEmptySelection
			break
		}
		report.Batches++
		report.Attempted += res.Attempted
		report.Saved += res.Saved
		report.Visited += res.Visited
		report.Missing += res.Missing
		if res.FetchErr != nil {
			report.FetchFailures++
		}

		out := c.Process(ctx, runID, report.Batches, res)
		if c.processor != nil {
			if out.OK {
				report.Processed += res.Saved
			} else {
				report.ProcessorFailures++
			}
		}

		logger.Info("pipeline progress",
			zap.Int("batch", report.Batches),
			zap.Int("saved_total", report.Saved),
			zap.Int("remaining", remaining-res.Visited),
		)
		if res.Visited == 0 {
			report.Stop = StopFetchFailed
			break
		}
		if opts.StopOnZeroSaved && res.Saved == 0 {
			report.Stop = StopZeroSaved
			break
		}
	}

	if report.Stop != StopDrained && ctx.Err() == nil {
		if remaining, err := c.ledger.Count(ctx, pred, harvest.UnvisitedOnly); err == nil {
			report.Remaining = remaining
			metrics.SetRemaining(c.cfg.Queue, remaining)
		}
	}
	report.Duration = c.clock.Now().Sub(start)
	logger.Info("pipeline finished",
		zap.String("stop", string(report.Stop)),
		zap.Int("batches", report.Batches),
		zap.Int("attempted", report.Attempted),
		zap.Int("saved", report.Saved),
		zap.Int("missing", report.Missing),
		zap.Int("processed", report.Processed),
		zap.Int("processor_failures", report.ProcessorFailures),
		zap.Int("remaining", report.Remaining),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}
