package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/gone") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body><h1>%s</h1>\n<p>listing</p></body></html>", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, base string) string {
	t.Helper()
	path := filepath.Join(dir, "harvester.yaml")
	body := fmt.Sprintf(`
ledger:
  path: %s
fetch:
  capability: colly
  max_attempts: 1
  timeout_seconds: 5
pipeline:
  batch_size: 2
  predicate: companies
predicates:
  companies:
    prefix: %s/companies/
    exclude_segments: ["/jobs"]
  jobs:
    prefix: %s/companies/
    segment: /jobs/
logging:
  development: false
  level: error
`, filepath.Join(dir, "ledger.sqlite"), base, base)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(context.Background(), append([]string{"--config", cfg}, args...), &out, &out)
	return out.String(), err
}

func seedList(t *testing.T, dir, base string) string {
	t.Helper()
	lines := []string{
		base + "/companies/acme",
		base + "/companies/bolt",
		base + "/companies/gone",
		base + "/companies/acme/jobs/1",
		base + "/companies/acme/jobs/2",
		base + "/blog/hello",
	}
	path := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestImportStatsAndCheck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	site := newSite(t)
	cfg := writeConfig(t, dir, site.URL)
	list := seedList(t, dir, site.URL)

	out, err := run(t, cfg, "import", list)
	require.NoError(t, err)
	require.Contains(t, out, "imported 6 new of 6 urls")

	out, err = run(t, cfg, "import", "--source-tag", "again", list)
	require.NoError(t, err)
	require.Contains(t, out, "imported 0 new of 6 urls")

	out, err = run(t, cfg, "stats", "--format", "json")
	require.NoError(t, err)
	require.Contains(t, out, `"total": 6`)
	require.Contains(t, out, `"source_tag": "sitemap"`)

	out, err = run(t, cfg, "stats", "--format", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "unvisited: 6")

	out, err = run(t, cfg, "check")
	require.NoError(t, err)
	require.Contains(t, out, "companies: 3 left of 3")

	out, err = run(t, cfg, "check", "/jobs/")
	require.NoError(t, err)
	require.Contains(t, out, "2 left of 2")

	_, err = run(t, cfg, "stats", "--format", "xml")
	require.Error(t, err)
}

func TestPipelineDrainsSelection(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	site := newSite(t)
	cfg := writeConfig(t, dir, site.URL)
	_, err := run(t, cfg, "import", seedList(t, dir, site.URL))
	require.NoError(t, err)

	out, err := run(t, cfg, "batch", "--limit", "1")
	require.NoError(t, err)
	require.Contains(t, out, "attempted=1 returned=1 saved=1 missing=0 visited=1")
	require.Contains(t, out, "companies: 2 left of 3")

	out, err = run(t, cfg, "pipeline")
	require.NoError(t, err)
	require.Contains(t, out, "drained")

	out, err = run(t, cfg, "check")
	require.NoError(t, err)
	require.Contains(t, out, "0 left of 3")

	out, err = run(t, cfg, "stats", "--format", "json")
	require.NoError(t, err)
	require.Contains(t, out, `"results": 2`)
}

func TestJobsQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	site := newSite(t)
	cfg := writeConfig(t, dir, site.URL)
	_, err := run(t, cfg, "import", seedList(t, dir, site.URL))
	require.NoError(t, err)

	_, err = run(t, cfg, "jobs", "check")
	require.ErrorIs(t, err, harvest.ErrUnknownQueue)

	out, err := run(t, cfg, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "queue jobs: not seeded")

	out, err = run(t, cfg, "jobs", "init")
	require.NoError(t, err)
	require.Contains(t, out, "seeded 2 identifiers into jobs")

	out, err = run(t, cfg, "jobs", "pipeline")
	require.NoError(t, err)
	require.Contains(t, out, "drained")

	out, err = run(t, cfg, "jobs", "check")
	require.NoError(t, err)
	require.Contains(t, out, "jobs: 0 left of 2")

	sitemapPath := filepath.Join(dir, "jobs.xml")
	require.NoError(t, os.WriteFile(sitemapPath, []byte(fmt.Sprintf(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/companies/acme/jobs/1</loc></url>
  <url><loc>%[1]s/companies/acme/jobs/3</loc></url>
</urlset>`, site.URL)), 0o600))

	out, err = run(t, cfg, "jobs", "compare-sitemap", sitemapPath)
	require.NoError(t, err)
	require.Contains(t, out, "in both: 1")
	require.Contains(t, out, "only in jobs: 1")
	require.Contains(t, out, "missing: "+site.URL+"/companies/acme/jobs/3")

	out, err = run(t, cfg, "stats", "--queue", "jobs", "--format", "json")
	require.NoError(t, err)
	require.Contains(t, out, `"queue": "jobs"`)
}

func TestUnknownPredicate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "https://example.com")
	_, err := run(t, cfg, "check", "--predicate", "nope")
	require.ErrorIs(t, err, harvest.ErrInvalidPredicate)
}
