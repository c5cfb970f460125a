package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/lease"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// selectionFlags picks the identifiers a command works on.
type selectionFlags struct {
	predicate string
	pattern   string
	exclude   string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.predicate, "predicate", "", "named predicate (default pipeline.predicate)")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "select urls containing this substring instead of a named predicate")
	cmd.Flags().StringVar(&f.exclude, "exclude", "", "with --pattern, skip urls containing this substring")
}

func (f *selectionFlags) resolve(a App) (predicate.Predicate, error) {
	if f.pattern != "" {
		return predicate.Substring(f.pattern, f.exclude), nil
	}
	name := f.predicate
	if name == "" {
		name = a.Config().Pipeline.Predicate
	}
	return a.Predicate(name)
}

// runFlags bound a batch or pipeline run.
type runFlags struct {
	limit      int
	maxBatches int
	wait       time.Duration
}

func (f *runFlags) register(cmd *cobra.Command, pipeline bool) {
	cmd.Flags().IntVar(&f.limit, "limit", 0, "identifiers per batch (default from config)")
	cmd.Flags().DurationVar(&f.wait, "wait", 0, "per-page wait hint passed to the capability")
	if pipeline {
		cmd.Flags().IntVar(&f.maxBatches, "max-batches", -1, "stop after this many batches; 0 means no limit (default from config)")
	}
}

func (f *runFlags) waitHint(a App) time.Duration {
	if f.wait > 0 {
		return f.wait
	}
	return a.Config().WaitHint()
}

func (f *runFlags) budget(a App) int {
	if f.maxBatches >= 0 {
		return f.maxBatches
	}
	return a.Config().Pipeline.MaxBatches
}

func (f *runFlags) options(a App) coordinator.PipelineOptions {
	return coordinator.PipelineOptions{
		Limit:      f.limit,
		MaxBatches: f.budget(a),
		WaitHint:   f.waitHint(a),
	}
}

// withLease runs fn while holding the named single-writer lease, refreshing it
// in the background. Losing the lease cancels fn's context.
func withLease(ctx context.Context, a App, name string, fn func(context.Context) error) error {
	locker, err := a.Locker()
	if err != nil {
		return fmt.Errorf("init lease: %w", err)
	}
	l, err := locker.Acquire(ctx, name)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("another process is already running %s: %w", name, err)
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	logger := a.Logger().With(zap.String("lease", name))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := a.Config().LeaseTTL() / 3
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(runCtx); err != nil {
					if runCtx.Err() != nil {
						return
					}
					logger.Error("lease lost; stopping", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	runErr := fn(runCtx)
	cancel()
	<-done

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := l.Release(releaseCtx); err != nil {
		logger.Warn("lease release failed", zap.Error(err))
	}
	return runErr
}
