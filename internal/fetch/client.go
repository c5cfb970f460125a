// Package fetch wraps a bulk fetch capability with de-duplication, bounded
// retries and result validation.
package fetch

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Config tunes the client.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Jitter         bool
	ExtractHTML    bool
	WaitHint       time.Duration
	ChunkSize      int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client calls a capability with retries.
type Client struct {
	capability harvest.Capability
	policy     *ExponentialRetryPolicy
	cfg        Config
	clock      harvest.Clock
	sleep      SleepFunc
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleep (tests use it to skip waiting).
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New builds a client around capability.
func New(capability harvest.Capability, cfg Config, clock harvest.Clock, logger *zap.Logger, opts ...Option) (*Client, error) {
	if capability == nil {
		return nil, fmt.Errorf("capability is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	c := &Client{
		capability: capability,
		policy:     NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax, cfg.Jitter),
		cfg:        cfg,
		clock:      clock,
		sleep:      sleepContext,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch de-duplicates urls (keeping first-seen order) and sends them in one
// capability call, retrying failures. An empty list returns immediately.
// Attempted always equals the de-duplicated input count.
func (c *Client) Fetch(ctx context.Context, urls []string, opts harvest.FetchOptions) (out harvest.FetchOutcome) {
	unique := Dedupe(urls)
	out = harvest.FetchOutcome{
		Attempted:   len(unique),
		WaitHint:    c.cfg.WaitHint,
		ExtractHTML: c.cfg.ExtractHTML,
	}
	if opts.WaitHint > 0 {
		out.WaitHint = opts.WaitHint
	}
	if opts.ExtractHTML != nil {
		out.ExtractHTML = *opts.ExtractHTML
	}
	if len(unique) == 0 {
		return out
	}

	req := harvest.FetchRequest{URLs: unique, WaitHint: out.WaitHint, ExtractHTML: out.ExtractHTML}
	start := c.clock.Now()
	defer func() {
		out.Duration = c.clock.Now().Sub(start)
	}()
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		results, err := c.capability.BulkFetch(ctx, req)
		if err == nil {
			metrics.ObserveFetchAttempt("success")
			out.Results, out.Invalid = c.validate(results)
			return out
		}
		metrics.ObserveFetchAttempt("error")
		if !c.policy.ShouldRetry(err, attempt) || ctx.Err() != nil {
			c.logger.Error("bulk fetch failed",
				zap.Int("urls", len(unique)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			out.Err = fmt.Errorf("bulk fetch after %d attempts: %w", attempt, err)
			return out
		}
		wait := c.policy.Backoff(attempt)
		c.logger.Warn("bulk fetch attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			out.Err = fmt.Errorf("bulk fetch interrupted: %w", err)
			return out
		}
	}
}

// Chunks splits urls into consecutive chunks of size (ChunkSize when size is
// not positive) and yields one outcome per chunk, in input order. Duplicates
// are only removed within a chunk.
func (c *Client) Chunks(ctx context.Context, urls iter.Seq[string], size int, opts harvest.FetchOptions) iter.Seq[harvest.FetchOutcome] {
	if size <= 0 {
		size = c.cfg.ChunkSize
	}
	return func(yield func(harvest.FetchOutcome) bool) {
		chunk := make([]string, 0, size)
		for u := range urls {
			chunk = append(chunk, u)
			if len(chunk) < size {
				continue
			}
			if !yield(c.Fetch(ctx, chunk, opts)) {
				return
			}
			chunk = make([]string, 0, size)
			if ctx.Err() != nil {
				return
			}
		}
		if len(chunk) > 0 {
			yield(c.Fetch(ctx, chunk, opts))
		}
	}
}

func (c *Client) validate(results []harvest.Result) ([]harvest.Result, int) {
	valid := make([]harvest.Result, 0, len(results))
	invalid := 0
	for _, res := range results {
		if err := res.Validate(); err != nil {
			invalid++
			c.logger.Warn("discarding malformed result", zap.Error(err))
			continue
		}
		valid = append(valid, res)
	}
	return valid, invalid
}

// Dedupe removes repeated URLs, keeping the first occurrence.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
