// Package pipeline assembles a chapter's short video from its registered
// media assets.
//
// A run walks an ordered list of stages, each turning the previous stage's
// output into the next artifact. Progress is persisted after every attempt as
// pipeline_run.json in the chapter directory, so a failed or cancelled run
// resumes at the stage that stopped it and never re-executes completed
// stages. Transient stage failures are retried a bounded number of times.
// Once the final stage succeeds the size budget is enforced by re-running
// that stage with stepped-down encoder parameters.
//
// The concrete stages (transition, narration, finish) live in stages.go and
// drive ffmpeg through the serialized runner in internal/ffmpeg.
package pipeline
