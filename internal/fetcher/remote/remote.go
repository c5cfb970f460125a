// Package remote calls a hosted bulk fetch service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config points the client at the service.
type Config struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Capability implements harvest.Capability against the remote service.
type Capability struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Capability. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Capability, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("fetch.endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("fetch.api_key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capability{cfg: cfg, client: client, logger: logger}, nil
}

type request struct {
	TargetList  []string `json:"target_list"`
	ExtractHTML bool     `json:"extract_html"`
	WaitTime    int      `json:"wait_time,omitempty"`
}

type page struct {
	ID            flexString `json:"id"`
	URL           string     `json:"url"`
	Domain        string     `json:"domain"`
	Timestamp     int64      `json:"timestamp"`
	BulkSearchID  flexString `json:"bulk_search_id"`
	SearchType    string     `json:"search_type"`
	TextContent   string     `json:"text_content"`
	HTMLContent   string     `json:"html_content"`
	InternalLinks []string   `json:"internal_links"`
	ExternalLinks []string   `json:"external_links"`
	Latency       float64    `json:"latency_ms"`
	Complete      *bool      `json:"complete"`
	CreatedAt     int64      `json:"created_at"`
}

type envelope struct {
	Results []page `json:"results"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// BulkFetch posts the URL list and decodes the returned pages. Any non-2xx
// status is an error.
func (c *Capability) BulkFetch(ctx context.Context, req harvest.FetchRequest) ([]harvest.Result, error) {
	body, err := json.Marshal(request{
		TargetList:  req.URLs,
		ExtractHTML: req.ExtractHTML,
		WaitTime:    int(req.WaitHint / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bulk fetch request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("bulk fetch status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	pages, err := decode(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("bulk fetch returned",
		zap.Int("requested", len(req.URLs)),
		zap.Int("returned", len(pages)),
	)
	out := make([]harvest.Result, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.result())
	}
	return out, nil
}

func decode(raw []byte) ([]page, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var pages []page
		if err := json.Unmarshal(trimmed, &pages); err != nil {
			return nil, fmt.Errorf("decode pages: %w", err)
		}
		return pages, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Results, nil
}

func (p page) result() harvest.Result {
	complete := true
	if p.Complete != nil {
		complete = *p.Complete
	}
	return harvest.Result{
		SourceID:      string(p.ID),
		URL:           p.URL,
		Domain:        p.Domain,
		Timestamp:     p.Timestamp,
		SearchBatchID: string(p.BulkSearchID),
		SearchType:    p.SearchType,
		TextContent:   p.TextContent,
		HTMLContent:   p.HTMLContent,
		InternalLinks: p.InternalLinks,
		ExternalLinks: p.ExternalLinks,
		LatencyMs:     int64(p.Latency),
		Complete:      complete,
		CreatedAt:     p.CreatedAt,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
