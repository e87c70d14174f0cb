// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pipelines/{id}/stage for the persisted active stage.
//   - POST /v1/pipelines/{id}/run, /v1/pipelines/{id}/stop and
//     /v1/pipelines/stop to drive pipelines on the grid.
//   - GET /v1/pipelines/{id}/runs and /v1/runs/{run_id} for run history via
//     the store.RunRepository interface.
package api
