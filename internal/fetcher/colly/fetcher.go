// Package collyfetcher implements the bulk fetch capability in-process with
// gocolly, one plain GET per URL.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// SearchType tags results produced by this capability.
const SearchType = "colly"

var errNoContent = errors.New("no content")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Capability fetches each URL of a bulk request sequentially.
type Capability struct {
	cfg    Config
	base   *colly.Collector
	clock  harvest.Clock
	hasher harvest.Hasher
	ids    harvest.IDGenerator
	logger *zap.Logger
}

// New builds a Capability.
func New(cfg Config, clock harvest.Clock, hasher harvest.Hasher, ids harvest.IDGenerator, logger *zap.Logger) (*Capability, error) {
	if clock == nil || hasher == nil || ids == nil {
		return nil, fmt.Errorf("clock, hasher and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Capability{
		cfg:    cfg,
		base:   c,
		clock:  clock,
		hasher: hasher,
		ids:    ids,
		logger: logger,
	}, nil
}

// BulkFetch visits every URL. Pages answering with a non-2xx status are
// left out of the results. An error is returned only when no page could be
// fetched and at least one request failed at the transport level.
func (c *Capability) BulkFetch(ctx context.Context, req harvest.FetchRequest) ([]harvest.Result, error) {
	batchID, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	var (
		out  = make([]harvest.Result, 0, len(req.URLs))
		errs []error
	)
	for _, u := range req.URLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.fetchOne(ctx, u, req, batchID)
		switch {
		case errors.Is(err, errNoContent):
			c.logger.Debug("page skipped", zap.String("url", u), zap.Error(err))
		case err != nil:
			c.logger.Warn("page fetch failed", zap.String("url", u), zap.Error(err))
			errs = append(errs, err)
		default:
			out = append(out, res)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (c *Capability) fetchOne(ctx context.Context, target string, req harvest.FetchRequest, batchID string) (harvest.Result, error) {
	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(c.cfg.Timeout + req.WaitHint)
	// The HTTP request is bound to ctx, so a cancel aborts it in flight.
	collector.Context = ctx

	var (
		resp     *colly.Response
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = r
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	start := c.clock.Now()
	visitErr := collector.Visit(target)
	if err := ctx.Err(); err != nil {
		return harvest.Result{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	if visitErr != nil {
		return harvest.Result{}, fmt.Errorf("colly visit %s: %w", target, visitErr)
	}
	if fetchErr != nil {
		return harvest.Result{}, fmt.Errorf("colly response %s: %w", target, fetchErr)
	}
	if resp == nil {
		return harvest.Result{}, fmt.Errorf("%w: %s: empty response", errNoContent, target)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return harvest.Result{}, fmt.Errorf("%w: %s: status %d", errNoContent, target, resp.StatusCode)
	}
	latency := c.clock.Now().Sub(start)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return harvest.Result{}, fmt.Errorf("parse %s: %w", target, err)
	}
	page := Extract(doc, resp.Request.URL)
	sourceID, err := c.hasher.Hash([]byte(target))
	if err != nil {
		return harvest.Result{}, fmt.Errorf("hash %s: %w", target, err)
	}
	res := harvest.Result{
		SourceID:      sourceID,
		URL:           target,
		Domain:        resp.Request.URL.Hostname(),
		Timestamp:     start.Unix(),
		SearchBatchID: batchID,
		SearchType:    SearchType,
		TextContent:   page.Text,
		InternalLinks: page.Internal,
		ExternalLinks: page.External,
		LatencyMs:     latency.Milliseconds(),
		Complete:      page.Text != "",
		CreatedAt:     c.clock.Now().Unix(),
	}
	if req.ExtractHTML {
		res.HTMLContent = string(resp.Body)
	}
	return res, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
