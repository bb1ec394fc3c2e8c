package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"reelsmith/internal/chapter"
	"reelsmith/internal/fileutil"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunFinished  RunStatus = "finished"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ReasonSizeBudgetExceeded is recorded when compression passes could not
// bring the final artifact under budget.
const ReasonSizeBudgetExceeded = "size_budget_exceeded"

const maxLogLines = 50

// StageState records one stage's progress within a run.
type StageState struct {
	Name       string     `json:"name"`
	Attempts   int        `json:"attempts"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the persisted state of a chapter's pipeline.
type Run struct {
	ID           string       `json:"id"`
	ChapterID    string       `json:"chapter_id"`
	Status       RunStatus    `json:"status"`
	StageIndex   int          `json:"stage_index"`
	StageOutputs []string     `json:"stage_outputs"`
	Stages       []StageState `json:"stages"`
	Reason       string       `json:"reason,omitempty"`
	Encoder      string       `json:"encoder,omitempty"`
	Passes       int          `json:"compression_passes,omitempty"`
	Logs         []string     `json:"logs"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsTerminal reports whether the run stopped short of or at completion.
func (r *Run) IsTerminal() bool {
	return r.Status == RunFinished || r.Status == RunFailed || r.Status == RunCancelled
}

// Progress returns the completed fraction of stages in [0, 1].
func (r *Run) Progress() float64 {
	if r.Status == RunFinished {
		return 1
	}
	if len(r.Stages) == 0 {
		return 0
	}
	done := min(max(r.StageIndex, 0), len(r.Stages))
	return float64(done) / float64(len(r.Stages))
}

// CurrentStage returns the name of the stage at StageIndex, or "" once every
// stage has completed.
func (r *Run) CurrentStage() string {
	if r.StageIndex >= 0 && r.StageIndex < len(r.Stages) {
		return r.Stages[r.StageIndex].Name
	}
	return ""
}

// FinalOutput returns the last stage's output if it completed.
func (r *Run) FinalOutput() string {
	if n := len(r.StageOutputs); n > 0 {
		return r.StageOutputs[n-1]
	}
	return ""
}

func (r *Run) logf(now time.Time, format string, args ...any) {
	line := now.UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	r.Logs = append(r.Logs, line)
	if len(r.Logs) > maxLogLines {
		r.Logs = append([]string(nil), r.Logs[len(r.Logs)-maxLogLines:]...)
	}
}

func (r *Run) logTail(now time.Time, prefix, tail string) {
	for _, line := range strings.Split(strings.TrimSpace(tail), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			r.logf(now, "%s %s", prefix, line)
		}
	}
}

// LoadRun reads the persisted run for a chapter. A chapter that never ran
// yields (nil, nil).
func LoadRun(layout chapter.Layout, chapterID string) (*Run, error) {
	if err := chapter.ValidateID(chapterID); err != nil {
		return nil, err
	}
	var run Run
	err := fileutil.ReadJSON(layout.RunPath(chapterID), &run)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func saveRun(layout chapter.Layout, run *Run) error {
	return fileutil.WriteJSONAtomic(layout.RunPath(run.ChapterID), run)
}
