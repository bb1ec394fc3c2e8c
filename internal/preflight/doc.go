// Package preflight provides readiness checks for the filesystem, external
// binaries and the remote generation service.
//
// These checks run in two contexts:
//   - run-pipeline calls ForPipeline before touching a chapter. Any failure
//     aborts the run before a stage starts, so a full disk or a missing
//     ffmpeg never leaves a half-written build behind.
//   - The status command calls RunAll to display environment health.
package preflight
