package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := NewExponentialRetryPolicy(5, time.Second, 10*time.Second, false)

	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 8*time.Second, p.Backoff(4))
	require.Equal(t, 10*time.Second, p.Backoff(5))
	require.Equal(t, time.Second, p.Backoff(0))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()
	p := NewExponentialRetryPolicy(3, time.Second, 10*time.Second, true)
	for range 20 {
		d := p.Backoff(2)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := NewExponentialRetryPolicy(3, 0, 0, false)
	require.Equal(t, 3, p.MaxAttempts())

	boom := errors.New("boom")
	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}
