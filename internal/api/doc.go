// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for submission; GET /v1/jobs for listing.
//   - GET /v1/jobs/{job_id}/status and /result, POST .../cancel and
//     .../recover for the job lifecycle.
package api
