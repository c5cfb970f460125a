package fetch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

type fakeCapability struct {
	mu       sync.Mutex
	calls    []harvest.FetchRequest
	failures int
	err      error
	results  func(req harvest.FetchRequest) []harvest.Result
}

func (f *fakeCapability) BulkFetch(_ context.Context, req harvest.FetchRequest) ([]harvest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.calls) <= f.failures {
		return nil, f.err
	}
	if f.results == nil {
		out := make([]harvest.Result, 0, len(req.URLs))
		for _, u := range req.URLs {
			out = append(out, harvest.Result{URL: u, Complete: true})
		}
		return out, nil
	}
	return f.results(req), nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newClient(t *testing.T, capability harvest.Capability, cfg Config) (*Client, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	c, err := New(capability, cfg, fakeClock{}, nil, WithSleep(rec.sleep))
	require.NoError(t, err)
	return c, rec
}

func TestFetchDedupesPreservingOrder(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{}
	c, _ := newClient(t, capability, Config{ExtractHTML: true, WaitHint: time.Second})

	out := c.Fetch(context.Background(), []string{"u1", "u2", "u1", "u3"}, harvest.FetchOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, 3, out.Attempted)
	require.Equal(t, 1, out.Attempts)
	require.Len(t, out.Results, 3)
	require.Len(t, capability.calls, 1)
	require.Equal(t, []string{"u1", "u2", "u3"}, capability.calls[0].URLs)
	require.True(t, capability.calls[0].ExtractHTML)
	require.Equal(t, time.Second, capability.calls[0].WaitHint)
}

func TestFetchEmptyInputSkipsCapability(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{}
	c, _ := newClient(t, capability, Config{})

	out := c.Fetch(context.Background(), nil, harvest.FetchOptions{})
	require.NoError(t, out.Err)
	require.Zero(t, out.Attempted)
	require.Empty(t, capability.calls)
}

func TestFetchRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{failures: 2, err: errors.New("503 from upstream")}
	c, sleeps := newClient(t, capability, Config{MaxAttempts: 3, BackoffInitial: time.Second, BackoffMax: 10 * time.Second})

	out := c.Fetch(context.Background(), []string{"u1"}, harvest.FetchOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, 3, out.Attempts)
	require.Len(t, out.Results, 1)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.waits)
}

func TestFetchExhaustedReportsError(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{failures: 10, err: errors.New("timeout")}
	c, sleeps := newClient(t, capability, Config{MaxAttempts: 3})

	out := c.Fetch(context.Background(), []string{"u1", "u2"}, harvest.FetchOptions{})
	require.Error(t, out.Err)
	require.ErrorContains(t, out.Err, "after 3 attempts")
	require.Equal(t, 2, out.Attempted)
	require.Empty(t, out.Results)
	require.Len(t, capability.calls, 3)
	require.Len(t, sleeps.waits, 2)
}

func TestFetchStopsOnCancellation(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{failures: 10, err: context.Canceled}
	c, sleeps := newClient(t, capability, Config{MaxAttempts: 5})

	out := c.Fetch(context.Background(), []string{"u1"}, harvest.FetchOptions{})
	require.ErrorIs(t, out.Err, context.Canceled)
	require.Equal(t, 1, out.Attempts)
	require.Empty(t, sleeps.waits)
}

func TestFetchDropsMalformedResults(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{results: func(harvest.FetchRequest) []harvest.Result {
		return []harvest.Result{{URL: "u1"}, {URL: ""}, {URL: "u2", LatencyMs: -5}}
	}}
	c, _ := newClient(t, capability, Config{})

	out := c.Fetch(context.Background(), []string{"u1", "u2"}, harvest.FetchOptions{})
	require.NoError(t, out.Err)
	require.Len(t, out.Results, 1)
	require.Equal(t, 2, out.Invalid)
}

func TestFetchOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{}
	c, _ := newClient(t, capability, Config{ExtractHTML: true, WaitHint: time.Second})
	extract := false

	out := c.Fetch(context.Background(), []string{"u1"}, harvest.FetchOptions{WaitHint: 5 * time.Second, ExtractHTML: &extract})
	require.False(t, out.ExtractHTML)
	require.Equal(t, 5*time.Second, out.WaitHint)
	require.False(t, capability.calls[0].ExtractHTML)
}

func TestChunks(t *testing.T) {
	t.Parallel()
	capability := &fakeCapability{}
	c, _ := newClient(t, capability, Config{ChunkSize: 2})

	urls := []string{"a", "b", "c", "d", "e"}
	var attempted []int
	for out := range c.Chunks(context.Background(), slices.Values(urls), 0, harvest.FetchOptions{}) {
		attempted = append(attempted, out.Attempted)
	}
	require.Equal(t, []int{2, 2, 1}, attempted)
	require.Len(t, capability.calls, 3)
	require.Equal(t, []string{"e"}, capability.calls[2].URLs)

	calls := 0
	for range c.Chunks(context.Background(), slices.Values(urls), 3, harvest.FetchOptions{}) {
		calls++
		break
	}
	require.Equal(t, 1, calls)
	require.Len(t, capability.calls, 4)
}

func TestNewRequiresCapability(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{}, fakeClock{}, nil)
	require.Error(t, err)
}
