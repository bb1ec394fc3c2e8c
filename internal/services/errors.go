package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

// DuplicateTaskError reports that a non-terminal task already targets the
// same output path.
type DuplicateTaskError struct {
	OutputPath string
	ExistingID string
}

func (e *DuplicateTaskError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("duplicate task: output %s already has an active task", e.OutputPath)
	}
	return fmt.Sprintf("duplicate task: output %s already has active task %s", e.OutputPath, e.ExistingID)
}

// InvalidStateError signals a protocol violation such as an illegal status
// transition. It is never retried.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	var b strings.Builder
	b.WriteString("invalid state")
	if e.Entity != "" {
		b.WriteString(": ")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// SubmissionError wraps a remote submission that was rejected or could not
// reach the service. The Retry Controller picks the record up again.
type SubmissionError struct {
	TaskID     string
	OutputPath string
	Attempt    int
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s (attempt %d): %v", e.OutputPath, e.Attempt, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ReconciliationError wraps a transient status or download fault. The record
// is re-examined on the next poll.
type ReconciliationError struct {
	TaskID      string
	RemoteJobID string
	Operation   string
	Err         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile task %s (%s, job %s): %v", e.TaskID, e.Operation, e.RemoteJobID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// TerminalGenerationFailure reports a task whose attempts are exhausted.
type TerminalGenerationFailure struct {
	TaskID     string
	OutputPath string
	Attempts   int
	Reason     string
}

func (e *TerminalGenerationFailure) Error() string {
	return fmt.Sprintf("task %s failed permanently after %d attempts (%s): %s", e.TaskID, e.Attempts, e.OutputPath, e.Reason)
}

// StageExecutionError reports a failed transcoding invocation.
type StageExecutionError struct {
	Stage     string
	ExitCode  int
	Stderr    string
	Transient bool
	Err       error
}

func (e *StageExecutionError) Error() string {
	msg := fmt.Sprintf("stage %s: transcoder exited with code %d", e.Stage, e.ExitCode)
	if e.Err != nil && e.ExitCode == 0 {
		msg = fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// SizeBudgetExceeded reports an artifact that stayed over budget after every
// compression pass.
type SizeBudgetExceeded struct {
	Path   string
	Size   int64
	Budget int64
	Passes int
}

func (e *SizeBudgetExceeded) Error() string {
	return fmt.Sprintf("size_budget_exceeded: %s is %d bytes, budget %d bytes after %d compression passes", e.Path, e.Size, e.Budget, e.Passes)
}

// PipelineError is the run-level report for a failed or cancelled chapter.
type PipelineError struct {
	ChapterID  string
	StageIndex int
	Stage      string
	Attempts   int
	Reason     string
	Err        error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("chapter %s failed at stage %d (%s) after %d attempts: %s", e.ChapterID, e.StageIndex, e.Stage, e.Attempts, e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// InputsPendingError refuses a pipeline run while generation tasks for the
// chapter may still write its inputs.
type InputsPendingError struct {
	ChapterID string
	Pending   []string
}

func (e *InputsPendingError) Error() string {
	return fmt.Sprintf("chapter %s has %d generation tasks still pending (first: %s)", e.ChapterID, len(e.Pending), firstOr(e.Pending, "none"))
}

func firstOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return items[0]
}

// IsTransient reports whether err is worth retrying at the layer that saw it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var stageErr *StageExecutionError
	if errors.As(err, &stageErr) {
		return stageErr.Transient
	}
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		return true
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// Exit codes reported by the CLI, one per failure class.
const (
	ExitOK              = 0
	ExitGeneral         = 1
	ExitSubmission      = 2
	ExitReconciliation  = 3
	ExitPipeline        = 4
	ExitBudget          = 5
	ExitTerminalFailure = 6
	ExitInvalidState    = 7
)

// ExitCode maps an error to the process exit code for its failure class.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		budget    *SizeBudgetExceeded
		terminal  *TerminalGenerationFailure
		invalid   *InvalidStateError
		pipeline  *PipelineError
		stage     *StageExecutionError
		pending   *InputsPendingError
		submit    *SubmissionError
		duplicate *DuplicateTaskError
		reconcile *ReconciliationError
	)
	switch {
	case errors.As(err, &budget):
		return ExitBudget
	case errors.As(err, &terminal):
		return ExitTerminalFailure
	case errors.As(err, &invalid):
		return ExitInvalidState
	case errors.As(err, &pipeline), errors.As(err, &stage), errors.As(err, &pending):
		return ExitPipeline
	case errors.As(err, &submit), errors.As(err, &duplicate):
		return ExitSubmission
	case errors.As(err, &reconcile):
		return ExitReconciliation
	default:
		return ExitGeneral
	}
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}
