package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/predicate"
)

// SecondaryStore is a ledger bound to a secondary queue.
type SecondaryStore interface {
	harvest.Ledger
	harvest.Seeder
}

// Secondary runs a work queue seeded from a fixed predicate over the primary
// identifiers. The queue can be rebuilt at any time with Seed.
type Secondary struct {
	store     SecondaryStore
	coord     *Coordinator
	predicate predicate.Predicate
	logger    *zap.Logger
}

// NewSecondary builds a Secondary whose coordinator is bound to store.
func NewSecondary(store SecondaryStore, seed predicate.Predicate, deps Deps, cfg Config, logger *zap.Logger) (*Secondary, error) {
	if store == nil {
		return nil, fmt.Errorf("secondary store is required")
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Ledger = store
	coord, err := New(deps, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Secondary{
		store:     store,
		coord:     coord,
		predicate: seed,
		logger:    coord.logger,
	}, nil
}

// Seed drops and rebuilds the queue from the primary ledger. Visited state and
// results of the previous seed are discarded.
func (s *Secondary) Seed(ctx context.Context) (int, error) {
	n, err := s.store.ReseedQueue(ctx, s.predicate)
	if err != nil {
		return 0, fmt.Errorf("seed queue: %w", err)
	}
	s.logger.Info("queue seeded", zap.Int("identifiers", n), zap.String("predicate", s.predicate.String()))
	return n, nil
}

func (s *Secondary) ensure(ctx context.Context) error {
	ok, err := s.store.QueueExists(ctx)
	if err != nil {
		return fmt.Errorf("check queue: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (run init first)", harvest.ErrUnknownQueue, s.coord.cfg.Queue)
	}
	return nil
}

// Batch runs one batch over every unvisited item in the queue.
func (s *Secondary) Batch(ctx context.Context, limit int, waitHint time.Duration) (harvest.BatchResult, error) {
	if err := s.ensure(ctx); err != nil {
		return harvest.BatchResult{}, err
	}
	return s.coord.RunBatch(ctx, predicate.All(), limit, waitHint)
}

// Run drives the queue until it drains or a batch saves nothing.
func (s *Secondary) Run(ctx context.Context, opts PipelineOptions) (PipelineReport, error) {
	if err := s.ensure(ctx); err != nil {
		return PipelineReport{}, err
	}
	opts.StopOnZeroSaved = true
	return s.coord.RunPipeline(ctx, predicate.All(), opts)
}

// Check reports progress through the queue.
func (s *Secondary) Check(ctx context.Context) (harvest.Progress, error) {
	if err := s.ensure(ctx); err != nil {
		return harvest.Progress{}, err
	}
	return s.coord.Check(ctx, predicate.All())
}

// SitemapComparison is the overlap between the queue and a sitemap.
type SitemapComparison struct {
	InBoth      int      `json:"in_both"`
	LedgerOnly  int      `json:"ledger_only"`
	SitemapOnly int      `json:"sitemap_only"`
	Missing     []string `json:"missing,omitempty"`
}

// CompareSitemap compares the queue's urls against urls listed in a sitemap.
// Trailing slashes are ignored. Missing lists sitemap urls the queue lacks.
func (s *Secondary) CompareSitemap(ctx context.Context, sitemap []string) (SitemapComparison, error) {
	var cmp SitemapComparison
	if err := s.ensure(ctx); err != nil {
		return cmp, err
	}
	urls, err := s.store.URLs(ctx)
	if err != nil {
		return cmp, fmt.Errorf("list queue urls: %w", err)
	}
	inLedger := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		inLedger[normalizeURL(u)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(sitemap))
	for _, u := range sitemap {
		key := normalizeURL(u)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := inLedger[key]; ok {
			cmp.InBoth++
			continue
		}
		cmp.SitemapOnly++
		cmp.Missing = append(cmp.Missing, u)
	}
	cmp.LedgerOnly = len(inLedger) - cmp.InBoth
	sort.Strings(cmp.Missing)
	return cmp, nil
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
