// Package main hosts the analytics ingest service entrypoint.
//
// Architecture overview:
//   - Provider clients: one internal/client.Client per configured tenant, parameterised by a provider profile
//     (search performance or site traffic). Every provider call passes through the tenant's rate governor (FIFO
//     admission against a per-window quota) and the retrying executor (exponential backoff for transient and network
//     failures only). Results are paged, normalized, deduplicated and cached per request.
//   - Runner: internal/poller schedules configured polls on their intervals, queues runs in a bounded in-memory
//     queue sized by runner.queue_depth and fans them out to runner.concurrency workers. Each run fetches a
//     quality-annotated report, optionally aggregates it, writes a JSON snapshot to the BlobStore
//     (memory/local/GCS), records the run (memory or Postgres) and publishes a Pub/Sub notification.
//   - HTTP API: internal/api.Server exposes health, readiness, Prometheus metrics, poll listing, on-demand runs and
//     run history.
//   - Configuration & plumbing: Viper populates config from a file and INGEST_* env vars; zap provides structured
//     logging; Prometheus collectors live in internal/telemetry; OpenTelemetry spans wrap provider calls and are
//     exported to Cloud Trace when telemetry.project_id is set.
//
// Operational notes:
//   - Quota: governor.max_requests per governor.window_seconds per tenant, overridable per tenant. A 429 requeues the
//     call at the head of the tenant queue after the provider's Retry-After.
//   - Shutdown: SIGINT/SIGTERM cancel the root context; the scheduler stops, workers finish their current run and
//     record it, and the HTTP server drains.
//
// Quick checklist:
//   - Configure tenants[] (provider, account, token or token_env) and polls[] (tenant, dimensions, lookback).
//   - Run locally: go run ./cmd/ingestd -config config.yaml
package main
