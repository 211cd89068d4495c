// Package telemetry provides the system's observability primitives.
//
// Includes:
//   - logging.go — structured logging via slog, plus context-carried
//     logger enrichment (workflow/urn/saga_id fields)
//
// Every service shares this logging format; each component registers its
// own metrics (see orchestrator.Metrics), exported at /metrics by
// cmd/sagaflow-daemon.
package telemetry
