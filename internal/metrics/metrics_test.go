package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := batchesTotal
	Init()
	require.Same(t, first, batchesTotal)
}

func TestObserveBatch(t *testing.T) {
	ObserveBatch("metrics_test", "ok", 4, 3, 1, 2*time.Second)
	ObserveBatch("metrics_test", "ok", 2, 2, 0, time.Second)

	require.InDelta(t, 2, testutil.ToFloat64(batchesTotal.WithLabelValues("metrics_test", "ok")), 0.001)
	require.InDelta(t, 6, testutil.ToFloat64(identifiersAttemptedTotal.WithLabelValues("metrics_test")), 0.001)
	require.InDelta(t, 5, testutil.ToFloat64(resultsSavedTotal.WithLabelValues("metrics_test")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(resultsMissingTotal.WithLabelValues("metrics_test")), 0.001)
}

func TestSetRemainingAndProcessor(t *testing.T) {
	SetRemaining("metrics_gauge", 12)
	SetRemaining("metrics_gauge", 7)
	require.InDelta(t, 7, testutil.ToFloat64(queueRemaining.WithLabelValues("metrics_gauge")), 0.001)

	before := testutil.ToFloat64(processorRunsTotal.WithLabelValues("failure"))
	ObserveProcessor(false)
	require.InDelta(t, before+1, testutil.ToFloat64(processorRunsTotal.WithLabelValues("failure")), 0.001)
}
