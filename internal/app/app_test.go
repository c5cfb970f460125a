package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/lease"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "harvest.sqlite")
	cfg.Fetch.Capability = "colly"
	cfg.Archive.Provider = "memory"
	return cfg
}

func TestNewMigratesPrimaryQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	exists, err := a.Ledger().QueueExists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	n, err := a.Ledger().InsertIdentifiers(ctx, []harvest.Entry{{URL: "https://example.com/a"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCoordinatorAndSecondary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	coord, err := a.Coordinator(ctx)
	require.NoError(t, err)
	require.NotNil(t, coord)

	require.Equal(t, []string{"jobs"}, a.QueueNames())
	sec, err := a.Secondary(ctx, "jobs")
	require.NoError(t, err)
	n, err := sec.Seed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = a.Secondary(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrUnknownQueue)
}

func TestRemoteCapabilityNeedsEndpoint(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Fetch.Capability = "remote"
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Coordinator(context.Background())
	require.ErrorContains(t, err, "fetch.endpoint")
}

func TestExecProcessorWiring(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Processor.Kind = "exec"
	cfg.Processor.Command = "true"
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Coordinator(context.Background())
	require.NoError(t, err)
}

func TestLockerDefaultsToNoop(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	locker, err := a.Locker()
	require.NoError(t, err)
	require.IsType(t, lease.Noop{}, locker)
}

func TestServerServesStats(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv, err := a.Server()
	require.NoError(t, err)
	require.Equal(t, ":8080", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"primary"`)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
