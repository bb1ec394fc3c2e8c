package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle of a task record.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusSubmitted,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a persisted value into a Status. Values written by a
// newer release are read as processing so they stay in the active scan.
func ParseStatus(value string) Status {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status
		}
	}
	return StatusProcessing
}

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether a remote job is expected to be running.
func (s Status) IsInFlight() bool {
	return s == StatusSubmitted || s == StatusProcessing
}

// Kind identifies what a task generates.
type Kind string

const (
	KindImage        Kind = "image"
	KindVideoSegment Kind = "video_segment"
	KindAudio        Kind = "audio"

	// KindScript produces a chapter's narration text from a source passage.
	KindScript Kind = "script"
)

// ParseKind validates a kind string.
func ParseKind(value string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(value))); kind {
	case KindImage, KindVideoSegment, KindAudio, KindScript:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown task kind %q", value)
	}
}

// MediaKind maps a task kind to the media asset kind it produces.
func (k Kind) MediaKind() string {
	switch k {
	case KindVideoSegment:
		return "video"
	case KindAudio:
		return "audio"
	case KindScript:
		return "text"
	default:
		return "image"
	}
}

// Descriptor is the generation request handed to the remote service.
type Descriptor struct {
	Kind            Kind              `json:"kind"`
	Prompt          string            `json:"prompt,omitempty"`
	Text            string            `json:"text,omitempty"`
	OutputPath      string            `json:"output_path"`
	ChapterID       string            `json:"chapter_id,omitempty"`
	Ordinal         int               `json:"ordinal"`
	Model           string            `json:"model,omitempty"`
	Voice           string            `json:"voice,omitempty"`
	ReferenceImage  string            `json:"reference_image,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

// Validate checks that the descriptor can be submitted.
func (d Descriptor) Validate() error {
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(d.OutputPath) == "" {
		return errors.New("descriptor output_path is required")
	}
	if !filepath.IsAbs(d.OutputPath) {
		return fmt.Errorf("descriptor output_path %q must be absolute", d.OutputPath)
	}
	switch d.Kind {
	case KindAudio:
		if strings.TrimSpace(d.Text) == "" {
			return errors.New("audio descriptor requires text")
		}
	default:
		if strings.TrimSpace(d.Prompt) == "" {
			return fmt.Errorf("%s descriptor requires prompt", d.Kind)
		}
	}
	if d.Ordinal < 0 {
		return errors.New("descriptor ordinal must be >= 0")
	}
	return nil
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Params != nil {
		out.Params = make(map[string]string, len(d.Params))
		for k, v := range d.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Task is one generation request and its local reconciliation state.
type Task struct {
	ID            string
	Kind          Kind
	Descriptor    Descriptor
	OutputPath    string
	ChapterID     string
	Ordinal       int
	Status        Status
	RemoteJobID   string
	AttemptCount  int
	MaxAttempts   int
	ErrorReason   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SubmittedAt   time.Time
	LastCheckedAt *time.Time
	ArchivedAt    *time.Time
	Version       int64
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Descriptor = t.Descriptor.Clone()
	if t.LastCheckedAt != nil {
		v := *t.LastCheckedAt
		out.LastCheckedAt = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		out.ArchivedAt = &v
	}
	return &out
}

// IsTerminal reports whether the task reached completed or failed.
func (t *Task) IsTerminal() bool {
	return t != nil && t.Status.IsTerminal()
}

// AttemptsExhausted reports whether no further submission is allowed.
func (t *Task) AttemptsExhausted() bool {
	return t != nil && t.AttemptCount >= t.MaxAttempts
}

// IsArchived reports whether the task was read from the archive.
func (t *Task) IsArchived() bool {
	return t != nil && t.ArchivedAt != nil
}

// Age returns how long ago the current remote job was submitted.
func (t *Task) Age(now time.Time) time.Duration {
	ref := t.SubmittedAt
	if ref.IsZero() {
		ref = t.CreatedAt
	}
	return now.Sub(ref)
}
