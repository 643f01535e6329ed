// Package api hosts the status HTTP server of a running scraper. Notable
// routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for a plain-text summary of the current run.
//   - GET /api/targets and /api/targets/{target} for discovery checkpoints.
package api
