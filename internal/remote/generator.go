package remote

import (
	"context"
	"strings"

	"reelsmith/internal/queue"
)

// JobState is the normalized remote job state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is the result of a Status call.
type JobStatus struct {
	State  JobState
	Reason string
}

// Generator is the contract every generation backend satisfies.
type Generator interface {
	Submit(ctx context.Context, desc queue.Descriptor) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
	Fetch(ctx context.Context, jobID string) ([]byte, error)
}

// Releaser is implemented by backends that hold artifacts locally until the
// caller confirms they were persisted.
type Releaser interface {
	Release(ctx context.Context, jobID string) error
}

// normalizeState maps a service-specific status word onto JobState. Unknown
// words are treated as pending so the job is polled again.
func normalizeState(raw string) JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "succeeded", "success", "completed", "complete":
		return JobSucceeded
	case "failed", "error", "expired", "not_found", "cancelled", "canceled":
		return JobFailed
	case "running", "processing", "generating", "in_progress":
		return JobRunning
	default:
		return JobPending
	}
}
