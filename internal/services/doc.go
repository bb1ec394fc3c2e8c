// Package services defines shared error and context utilities consumed by the
// generation engine, the pipeline stages, and the CLI.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, chapter IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is.
//   - The typed failure taxonomy (submission, reconciliation, terminal
//     generation, stage execution, size budget, invalid state) and the exit
//     code mapping the CLI reports.
//
// Use these helpers when wiring new components so failure handling and
// observability stay uniform across the engine and the pipeline.
package services
