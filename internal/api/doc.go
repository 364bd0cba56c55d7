// Package api hosts the operations HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/polls and POST /v1/polls/{name}/run to list and trigger polls.
//   - GET /v1/runs and /v1/runs/{run_id} for run history.
package api
