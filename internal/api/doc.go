// Package api defines the transport-friendly views that the CLI and any UI
// layer consume. Every view carries the same polling contract:
//
//	{"status": "...", "progress": 0.0-1.0, "logs": ["..."]}
//
// # Key Types
//
// TaskView: one task record with its lifecycle status, attempt accounting and
// a short synthesized log.
//
// RunView: one chapter pipeline run with per-stage progress and the run's
// bounded log tail.
//
// StatusReport: task counts per namespace plus the task and run views.
//
// # Converters
//
// FromTask: queue.Task -> TaskView. FromRun: pipeline.Run -> RunView.
// Collect gathers a StatusReport from the store and the chapters root.
//
// Timestamps use RFC3339 with milliseconds. Internal enums are exposed as
// their lowercase string values.
package api
