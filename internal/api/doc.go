// Package api hosts the read-only status server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the ledger.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats and /v1/check for the primary queue.
//   - GET /v1/queues/{name}/stats and /v1/queues/{name}/check for secondary
//     queues.
package api
