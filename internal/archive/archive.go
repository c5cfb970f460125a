// Package archive moves raw page markup out of results and into a blob
// store before the results reach the ledger.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config controls where archived pages land.
type Config struct {
	Prefix string
	// KeepInline leaves HTMLContent on the result after a successful upload.
	KeepInline bool
}

// Archiver offloads HTMLContent to a BlobStore.
type Archiver struct {
	store  harvest.BlobStore
	hasher harvest.Hasher
	cfg    Config
	logger *zap.Logger
}

// New builds an Archiver.
func New(store harvest.BlobStore, hasher harvest.Hasher, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Archiver{store: store, hasher: hasher, cfg: cfg, logger: logger}, nil
}

// Offload uploads the markup of every result carrying some and records the
// blob URI on it. A failed upload leaves the markup inline. It returns the
// rewritten results and the number archived.
func (a *Archiver) Offload(ctx context.Context, results []harvest.Result) ([]harvest.Result, int) {
	out := make([]harvest.Result, len(results))
	copy(out, results)
	archived := 0
	for i := range out {
		if out[i].HTMLContent == "" {
			continue
		}
		uri, err := a.put(ctx, out[i])
		if err != nil {
			a.logger.Warn("archive page failed; keeping markup inline", zap.String("url", out[i].URL), zap.Error(err))
			continue
		}
		out[i].HTMLBlobURI = uri
		if !a.cfg.KeepInline {
			out[i].HTMLContent = ""
		}
		archived++
	}
	return out, archived
}

// ObjectPath returns where a page with the given domain and digest is stored.
func (a *Archiver) ObjectPath(domain, digest string) string {
	if domain == "" {
		domain = "unknown"
	}
	return path.Join(a.cfg.Prefix, domain, digest+".html")
}

func (a *Archiver) put(ctx context.Context, res harvest.Result) (string, error) {
	digest, err := a.hasher.Hash([]byte(res.HTMLContent))
	if err != nil {
		return "", fmt.Errorf("hash markup: %w", err)
	}
	return a.store.PutObject(ctx, a.ObjectPath(res.Domain, digest), "text/html; charset=utf-8", strings.NewReader(res.HTMLContent))
}
