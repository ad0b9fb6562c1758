// Package api hosts the HTTP server and middleware. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/job-events for extraction completion webhooks.
package api
