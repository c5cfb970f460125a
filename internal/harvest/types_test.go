package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Result{URL: "https://example.com"}.Validate())
	require.ErrorIs(t, Result{URL: "  "}.Validate(), ErrInvalidResult)
	require.ErrorIs(t, Result{URL: "https://example.com", LatencyMs: -1}.Validate(), ErrInvalidResult)
}

func TestParseCheckpointPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseCheckpointPolicy("")
	require.NoError(t, err)
	require.Equal(t, CheckpointAll, p)

	p, err = ParseCheckpointPolicy(" Returned ")
	require.NoError(t, err)
	require.Equal(t, CheckpointReturned, p)

	_, err = ParseCheckpointPolicy("sometimes")
	require.Error(t, err)
}

func TestProgress(t *testing.T) {
	t.Parallel()

	p := Progress{Total: 8, Visited: 2, Remaining: 6}
	require.InDelta(t, 25.0, p.Percent(), 0.001)
	require.Equal(t, "6 left of 8 (2 done, 25.0%)", p.String())
	require.Zero(t, Progress{}.Percent())
}

func TestBatchResultErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, BatchResult{}.Err())
	persist := ErrInvalidResult
	require.ErrorIs(t, BatchResult{PersistErr: persist}.Err(), persist)
}
