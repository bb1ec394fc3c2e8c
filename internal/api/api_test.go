package api_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"reelsmith/internal/api"
	"reelsmith/internal/chapter"
	"reelsmith/internal/fileutil"
	"reelsmith/internal/pipeline"
	"reelsmith/internal/queue"
	"reelsmith/internal/testsupport"
)

func TestFromTaskExposesPollingContract(t *testing.T) {
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &queue.Task{
		ID:            "t-1",
		Kind:          queue.KindImage,
		Status:        queue.StatusProcessing,
		OutputPath:    "/w/chapters/ch/images/a.png",
		RemoteJobID:   "http:job-9",
		AttemptCount:  2,
		MaxAttempts:   3,
		CreatedAt:     checked.Add(-time.Hour),
		SubmittedAt:   checked.Add(-time.Minute),
		LastCheckedAt: &checked,
	}
	view := api.FromTask(task)
	if view.Status != "processing" || view.Progress != 0.5 || view.Attempt != 2 {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Logs) != 3 {
		t.Fatalf("logs = %v", view.Logs)
	}

	data, err := json.Marshal(view)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "progress", "logs"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("view JSON missing %q: %s", key, data)
		}
	}
	if raw["lastCheckedAt"] != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("lastCheckedAt = %v", raw["lastCheckedAt"])
	}
}

func TestFromRunReportsStages(t *testing.T) {
	run := &pipeline.Run{
		ID:           "run-1",
		ChapterID:    "ch",
		Status:       pipeline.RunFailed,
		StageIndex:   1,
		StageOutputs: []string{"/b/01.mp4"},
		Stages: []pipeline.StageState{
			{Name: "transition", Attempts: 1, Output: "/b/01.mp4"},
			{Name: "narration", Attempts: 3, Error: "stage narration: transcoder exited with code 1"},
			{Name: "finish"},
		},
		Reason: "stage narration: transcoder exited with code 1",
		Logs:   []string{"a", "b"},
	}
	view := api.FromRun(run)
	if view.Status != "failed" || view.Stage != "narration" || view.Output != "" {
		t.Fatalf("view = %+v", view)
	}
	if view.Progress < 0.33 || view.Progress > 0.34 {
		t.Fatalf("progress = %v", view.Progress)
	}
	if !view.Stages[0].Done || view.Stages[1].Done || view.Stages[1].Attempts != 3 {
		t.Fatalf("stages = %+v", view.Stages)
	}
	if len(view.Logs) != 2 {
		t.Fatalf("logs = %v", view.Logs)
	}
}

func TestCollectGathersTasksAndRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.CreateTask(t, store, queue.NewTask{
		Descriptor:  testsupport.Descriptor(cfg, queue.KindImage, "ch1", "a.png", 0),
		Status:      queue.StatusSubmitted,
		RemoteJobID: "job-a",
	})
	failed := testsupport.CreateTask(t, store, queue.NewTask{
		Descriptor:  testsupport.Descriptor(cfg, queue.KindAudio, "ch2", "n.mp3", 0),
		Status:      queue.StatusFailed,
		ErrorReason: "rejected",
	})
	if _, err := store.Archive(ctx, failed.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	layout := chapter.NewLayout(cfg.ChaptersDir())
	if err := layout.Ensure("ch1"); err != nil {
		t.Fatal(err)
	}
	run := pipeline.Run{ID: "r1", ChapterID: "ch1", Status: pipeline.RunFinished, StageIndex: 1,
		StageOutputs: []string{"/out.mp4"}, Stages: []pipeline.StageState{{Name: "finish", Attempts: 1}}}
	if err := fileutil.WriteJSONAtomic(layout.RunPath("ch1"), run); err != nil {
		t.Fatal(err)
	}

	report, err := api.Collect(ctx, api.CollectRequest{Store: store, Layout: layout, ArchivedLimit: 10})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Active["submitted"] != 1 || report.Archived["failed"] != 1 {
		t.Fatalf("counts active=%v archived=%v", report.Active, report.Archived)
	}
	if len(report.Tasks) != 2 {
		t.Fatalf("tasks = %+v", report.Tasks)
	}
	if len(report.Runs) != 1 || report.Runs[0].Output != "/out.mp4" || report.Runs[0].Progress != 1 {
		t.Fatalf("runs = %+v", report.Runs)
	}

	only, err := api.Collect(ctx, api.CollectRequest{Store: store, Layout: layout, ArchivedLimit: 10, ChapterID: "ch2"})
	if err != nil {
		t.Fatalf("Collect chapter: %v", err)
	}
	if len(only.Tasks) != 1 || !only.Tasks[0].Archived || len(only.Runs) != 0 {
		t.Fatalf("chapter report = %+v", only)
	}
}

func TestSortTasksNewestFirst(t *testing.T) {
	views := []api.TaskView{
		{ID: "a", CreatedAt: "2026-01-01T00:00:00.000Z"},
		{ID: "b", CreatedAt: "2026-01-02T00:00:00.000Z"},
		{ID: "c", CreatedAt: "2026-01-01T00:00:00.000Z"},
	}
	sorted := api.SortTasksNewestFirst(views)
	if sorted[0].ID != "b" || sorted[1].ID != "c" || sorted[2].ID != "a" {
		t.Fatalf("order = %s %s %s", sorted[0].ID, sorted[1].ID, sorted[2].ID)
	}
}
