// Package api hosts the HTTP server for operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/items and /v1/items/{code} for work item status.
//   - GET /v1/runs for run history and POST /v1/runs to start a run.
package api
