// Package api hosts the status HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping of the engine registry.
//   - GET /v1/spiders and /v1/spiders/{name} for live spider status.
//   - DELETE /v1/spiders/{name} to force a spider through teardown.
package api
