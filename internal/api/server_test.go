package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/predicate"
)

type fakeQueue struct {
	mu        sync.Mutex
	total     int
	remaining int
	exists    bool
	stats     harvest.Stats
	err       error
	preds     []predicate.Predicate
}

func (q *fakeQueue) Count(_ context.Context, pred predicate.Predicate, visited harvest.VisitedFilter) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.preds = append(q.preds, pred)
	if q.err != nil {
		return 0, q.err
	}
	if visited == harvest.UnvisitedOnly {
		return q.remaining, nil
	}
	return q.total, nil
}

func (q *fakeQueue) Stats(context.Context) (harvest.Stats, error) {
	return q.stats, q.err
}

func (q *fakeQueue) QueueExists(context.Context) (bool, error) {
	return q.exists, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, primary *fakeQueue, cfg Config) *Server {
	t.Helper()
	registry, err := predicate.NewRegistry(map[string]predicate.Spec{
		"jobs": {Prefix: "https://example.com/companies/", Segment: "/jobs/"},
	})
	require.NoError(t, err)
	return NewServer(Deps{
		Primary: primary,
		Queues: map[string]QueueReader{
			"jobs":  &fakeQueue{exists: true, total: 4, remaining: 1},
			"fresh": &fakeQueue{},
		},
		Predicates: registry,
		DB:         fakePinger{},
	}, cfg, zap.NewNop())
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, &fakeQueue{}, Config{}), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsLedgerFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{DB: fakePinger{err: errors.New("closed")}}, Config{}, nil)
	rec := get(t, s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, &fakeQueue{}, Config{}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_CheckWithPattern(t *testing.T) {
	t.Parallel()

	primary := &fakeQueue{total: 200, remaining: 50}
	s := newTestServer(t, primary, Config{})

	rec := get(t, s, "/v1/check?pattern=/jobs/&exclude=/blog/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 200, body.Total)
	require.Equal(t, 150, body.Visited)
	require.Equal(t, 50, body.Remaining)
	require.InDelta(t, 75.0, body.Percent, 0.001)
	require.Equal(t, "primary", body.Queue)

	require.Len(t, primary.preds, 2)
	require.True(t, primary.preds[0].Equal(predicate.Substring("/jobs/", "/blog/")))
}

func TestServer_CheckNamedPredicate(t *testing.T) {
	t.Parallel()

	primary := &fakeQueue{total: 3, remaining: 3}
	s := newTestServer(t, primary, Config{})

	rec := get(t, s, "/v1/check?predicate=jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "jobs", primary.preds[0].Name)

	rec = get(t, s, "/v1/check?predicate=missing")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CheckLedgerError(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, &fakeQueue{err: errors.New("locked")}, Config{}), "/v1/check")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	primary := &fakeQueue{stats: harvest.Stats{
		Queue: "primary",
		Total: 3,
		BySource: []harvest.SourceStats{
			{SourceTag: "sitemap", Visited: 1},
			{SourceTag: "import", Unvisited: 2},
		},
	}}
	rec := get(t, newTestServer(t, primary, Config{}), "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats harvest.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.Total)
	require.Equal(t, "import", stats.BySource[0].SourceTag)
}

func TestServer_QueueCheck(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeQueue{}, Config{})

	rec := get(t, s, "/v1/queues/jobs/check")
	require.Equal(t, http.StatusOK, rec.Code)
	var body progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "jobs", body.Queue)
	require.Equal(t, 3, body.Visited)

	require.Equal(t, http.StatusNotFound, get(t, s, "/v1/queues/fresh/check").Code)
	require.Equal(t, http.StatusNotFound, get(t, s, "/v1/queues/nope/check").Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeQueue{}, Config{APIKey: "secret"})
	require.Equal(t, http.StatusForbidden, get(t, s, "/v1/stats").Code)
	require.Equal(t, http.StatusOK, get(t, s, "/v1/stats?api_key=secret").Code)
	require.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
}

func TestServer_Predicates(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, &fakeQueue{}, Config{}), "/v1/predicates")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"predicates":["all","jobs"]}`, rec.Body.String())
}
