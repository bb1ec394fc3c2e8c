package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"reelsmith/internal/chapter"
	"reelsmith/internal/pipeline"
	"reelsmith/internal/queue"
)

// CollectRequest selects what Collect gathers.
type CollectRequest struct {
	Store  *queue.Store
	Layout chapter.Layout
	// ArchivedLimit bounds the archived tasks included; 0 omits them.
	ArchivedLimit int
	// ChapterID restricts runs and tasks to one chapter when set.
	ChapterID string
}

// Collect builds a StatusReport from the task store and the chapter runs.
func Collect(ctx context.Context, req CollectRequest) (StatusReport, error) {
	if req.Store == nil {
		return StatusReport{}, errors.New("queue store is required")
	}
	stats, err := req.Store.Stats(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("task stats: %w", err)
	}
	report := StatusReport{}
	report.Active, report.Archived = FromStats(stats)

	active, err := req.Store.ListActive(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list active tasks: %w", err)
	}
	tasks := active
	if req.ArchivedLimit > 0 {
		archived, err := req.Store.ListArchived(ctx, req.ArchivedLimit)
		if err != nil {
			return StatusReport{}, fmt.Errorf("list archived tasks: %w", err)
		}
		tasks = append(tasks, archived...)
	}
	for _, task := range tasks {
		if req.ChapterID == "" || task.ChapterID == req.ChapterID {
			report.Tasks = append(report.Tasks, FromTask(task))
		}
	}
	report.Tasks = SortTasksNewestFirst(report.Tasks)

	chapters, err := chapterIDs(req.Layout, req.ChapterID)
	if err != nil {
		return StatusReport{}, err
	}
	for _, id := range chapters {
		run, err := pipeline.LoadRun(req.Layout, id)
		if err != nil {
			return StatusReport{}, fmt.Errorf("load run for %s: %w", id, err)
		}
		if run != nil {
			report.Runs = append(report.Runs, FromRun(run))
		}
	}
	return report, nil
}

func chapterIDs(layout chapter.Layout, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	entries, err := os.ReadDir(layout.Root())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chapters: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && chapter.ValidateID(entry.Name()) == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SortTasksNewestFirst orders views by CreatedAt descending, breaking ties by
// ID so output is stable.
func SortTasksNewestFirst(views []TaskView) []TaskView {
	if len(views) == 0 {
		return nil
	}
	sorted := make([]TaskView, len(views))
	copy(sorted, views)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := ParseTime(sorted[i].CreatedAt), ParseTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})
	return sorted
}

// ParseTime parses a view timestamp, returning the zero time when malformed.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
