// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/queries for starting, inspecting and stopping query runs.
//   - /v1/streams for session-wide termination waits and memory stream input.
//   - GET /api/runs and /api/runs/{id}/progress for run history via the
//     ProgressRepository interface.
package api
