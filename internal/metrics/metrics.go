// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchesTotal               *prometheus.CounterVec
	identifiersAttemptedTotal  *prometheus.CounterVec
	resultsSavedTotal          *prometheus.CounterVec
	resultsMissingTotal        *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	batchDurationSeconds       *prometheus.HistogramVec
	processorRunsTotal         *prometheus.CounterVec
	queueRemaining             *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times; every
// Observe function calls it.
func Init() {
	once.Do(func() {
		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_batches_total",
				Help: "Batches run, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		identifiersAttemptedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_identifiers_attempted_total",
				Help: "Identifiers sent to the fetch capability.",
			},
			[]string{"queue"},
		)

		resultsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_results_saved_total",
				Help: "Results persisted to the ledger.",
			},
			[]string{"queue"},
		)

		resultsMissingTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_results_missing_total",
				Help: "Attempted identifiers the capability returned nothing for.",
			},
			[]string{"queue"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Bulk fetch calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_batch_duration_seconds",
				Help:    "Wall time of one select, fetch, persist, checkpoint cycle.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"queue"},
		)

		processorRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_processor_runs_total",
				Help: "Downstream processor invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_remaining",
				Help: "Unvisited identifiers matching the running pipeline's predicate.",
			},
			[]string{"queue"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveBatch records one finished batch.
func ObserveBatch(queue, outcome string, attempted, saved, missing int, duration time.Duration) {
	Init()
	batchesTotal.WithLabelValues(queue, outcome).Inc()
	identifiersAttemptedTotal.WithLabelValues(queue).Add(float64(attempted))
	resultsSavedTotal.WithLabelValues(queue).Add(float64(saved))
	resultsMissingTotal.WithLabelValues(queue).Add(float64(missing))
	batchDurationSeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// ObserveFetchAttempt counts one capability call.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProcessor counts one processor run.
func ObserveProcessor(ok bool) {
	Init()
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	processorRunsTotal.WithLabelValues(outcome).Inc()
}

// SetRemaining publishes the remaining count for a queue.
func SetRemaining(queue string, remaining int) {
	Init()
	queueRemaining.WithLabelValues(queue).Set(float64(remaining))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
