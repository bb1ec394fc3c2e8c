package api

import (
	"fmt"
	"time"

	"reelsmith/internal/pipeline"
	"reelsmith/internal/queue"
)

// FromTask converts a task record into its view.
func FromTask(task *queue.Task) TaskView {
	if task == nil {
		return TaskView{}
	}
	view := TaskView{
		ID:          task.ID,
		Kind:        string(task.Kind),
		Status:      string(task.Status),
		Progress:    taskProgress(task.Status),
		Logs:        taskLogs(task),
		ChapterID:   task.ChapterID,
		Ordinal:     task.Ordinal,
		OutputPath:  task.OutputPath,
		RemoteJobID: task.RemoteJobID,
		Attempt:     task.AttemptCount,
		MaxAttempts: task.MaxAttempts,
		Error:       task.ErrorReason,
		Archived:    task.IsArchived(),
		CreatedAt:   formatTime(task.CreatedAt),
		UpdatedAt:   formatTime(task.UpdatedAt),
	}
	if task.LastCheckedAt != nil {
		view.LastCheckedAt = formatTime(*task.LastCheckedAt)
	}
	return view
}

// FromTasks converts a slice of task records.
func FromTasks(tasks []*queue.Task) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, FromTask(task))
	}
	return views
}

// FromRun converts a pipeline run into its view.
func FromRun(run *pipeline.Run) RunView {
	if run == nil {
		return RunView{}
	}
	view := RunView{
		ChapterID:  run.ChapterID,
		RunID:      run.ID,
		Status:     string(run.Status),
		Progress:   run.Progress(),
		Logs:       append([]string{}, run.Logs...),
		Stage:      run.CurrentStage(),
		StageIndex: run.StageIndex,
		Reason:     run.Reason,
		Encoder:    run.Encoder,
		UpdatedAt:  formatTime(run.UpdatedAt),
	}
	if run.Status == pipeline.RunFinished {
		view.Output = run.FinalOutput()
	}
	for i, stage := range run.Stages {
		view.Stages = append(view.Stages, StageView{
			Name:     stage.Name,
			Attempts: stage.Attempts,
			Done:     i < run.StageIndex,
			Output:   stage.Output,
			Error:    stage.Error,
		})
	}
	return view
}

// FromStats flattens store counts into string-keyed maps.
func FromStats(stats queue.Stats) (active, archived map[string]int) {
	active = make(map[string]int)
	archived = make(map[string]int)
	for _, status := range queue.AllStatuses() {
		active[string(status)] = stats.Active[status]
		archived[string(status)] = stats.Archived[status]
	}
	return active, archived
}

func taskProgress(status queue.Status) float64 {
	switch status {
	case queue.StatusSubmitted:
		return 0.25
	case queue.StatusProcessing:
		return 0.5
	case queue.StatusCompleted, queue.StatusFailed:
		return 1
	default:
		return 0
	}
}

func taskLogs(task *queue.Task) []string {
	logs := []string{fmt.Sprintf("%s created %s task for %s", formatTime(task.CreatedAt), task.Kind, task.OutputPath)}
	if task.RemoteJobID != "" {
		logs = append(logs, fmt.Sprintf("%s attempt %d/%d submitted as %s", formatTime(task.SubmittedAt), task.AttemptCount, task.MaxAttempts, task.RemoteJobID))
	}
	if task.LastCheckedAt != nil {
		logs = append(logs, fmt.Sprintf("%s last polled, status %s", formatTime(*task.LastCheckedAt), task.Status))
	}
	if task.ErrorReason != "" {
		logs = append(logs, fmt.Sprintf("%s error: %s", formatTime(task.UpdatedAt), task.ErrorReason))
	}
	if task.ArchivedAt != nil {
		logs = append(logs, fmt.Sprintf("%s archived as %s", formatTime(*task.ArchivedAt), task.Status))
	}
	return logs
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
