package generation_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"reelsmith/internal/chapter"
	"reelsmith/internal/generation"
	"reelsmith/internal/queue"
	"reelsmith/internal/remote"
	"reelsmith/internal/services"
	"reelsmith/internal/testsupport"
)

func pngOfSize(n int) []byte {
	data := make([]byte, n)
	copy(data, testsupport.PNGPayload)
	return data
}

func TestSubmitReconcileCompletesAndArchives(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(2048))
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1)
	task, err := engine.Submit(ctx, desc)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != queue.StatusSubmitted || task.AttemptCount != 1 || task.RemoteJobID == "" {
		t.Fatalf("unexpected new task %+v", task)
	}

	report, err := engine.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if report.Completed != 1 || report.Err() != nil {
		t.Fatalf("report = %+v", report)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusCompleted || !got.IsArchived() {
		t.Fatalf("record status=%s archived=%v", got.Status, got.IsArchived())
	}
	info, err := os.Stat(desc.OutputPath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if info.Size() != 2048 {
		t.Fatalf("artifact size = %d, want 2048", info.Size())
	}

	manifest, err := chapter.NewLayout(cfg.ChaptersDir()).Load("ch1")
	if err != nil {
		t.Fatal(err)
	}
	asset, ok := manifest.Find(chapter.KindImage, 1)
	if !ok || asset.Path != desc.OutputPath || asset.SizeBytes != 2048 {
		t.Fatalf("asset = %+v, found=%v", asset, ok)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("active records remain: %d", len(active))
	}
	if len(gen.Released) != 1 {
		t.Fatalf("remote artifact not released: %v", gen.Released)
	}
}

func TestRemoteFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(nil)
	gen.DefaultState = []remote.JobStatus{{State: remote.JobFailed, Reason: "content rejected"}}
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "2.png", 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var terminal []*services.TerminalGenerationFailure
	for round := 0; round < 5; round++ {
		if _, err := engine.ReconcileOnce(ctx); err != nil {
			t.Fatalf("round %d reconcile: %v", round, err)
		}
		report, err := engine.RetryOnce(ctx)
		if err != nil {
			t.Fatalf("round %d retry: %v", round, err)
		}
		terminal = append(terminal, report.Terminal...)
	}

	if submits, _, _ := gen.Counts(); submits != 3 {
		t.Fatalf("submit calls = %d, want 3", submits)
	}
	if len(terminal) != 1 || terminal[0].TaskID != task.ID || terminal[0].Attempts != 3 {
		t.Fatalf("terminal failures = %+v", terminal)
	}
	if services.ExitCode(terminal[0]) != services.ExitTerminalFailure {
		t.Fatalf("exit code = %d", services.ExitCode(terminal[0]))
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusFailed || !got.IsArchived() || got.AttemptCount != 3 {
		t.Fatalf("final record status=%s archived=%v attempts=%d", got.Status, got.IsArchived(), got.AttemptCount)
	}
	if got.ErrorReason != "content rejected" {
		t.Fatalf("reason = %q", got.ErrorReason)
	}
}

func TestSubmitRejectsDuplicateOutput(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.DefaultState = []remote.JobStatus{{State: remote.JobPending}}
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1)
	first, err := engine.Submit(ctx, desc)
	if err != nil {
		t.Fatal(err)
	}
	_, err = engine.Submit(ctx, desc)
	var dup *services.DuplicateTaskError
	if !errors.As(err, &dup) || dup.ExistingID != first.ID {
		t.Fatalf("expected duplicate of %s, got %v", first.ID, err)
	}
	if submits, _, _ := gen.Counts(); submits != 1 {
		t.Fatalf("duplicate reached the remote service: %d submits", submits)
	}
}

func TestSubmitFailureRecordsFailedTaskForRetry(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.SubmitErrors = []error{services.Wrap(services.ErrTransient, "remote", "submit", "service unavailable", nil)}
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	var subErr *services.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if task == nil || task.Status != queue.StatusFailed || !strings.Contains(task.ErrorReason, "service unavailable") {
		t.Fatalf("unexpected record %+v", task)
	}

	report, err := engine.RetryOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resubmitted != 1 {
		t.Fatalf("report = %+v", report)
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusSubmitted || got.AttemptCount != 2 || got.ErrorReason != "" {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestReconcilePendingAndRunning(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.DefaultState = []remote.JobStatus{{State: remote.JobPending}, {State: remote.JobRunning}}
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if err != nil {
		t.Fatal(err)
	}

	report, err := engine.ReconcileOnce(ctx)
	if err != nil || report.Pending != 1 {
		t.Fatalf("first pass = %+v, %v", report, err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != queue.StatusSubmitted || got.LastCheckedAt == nil {
		t.Fatalf("pending poll should only stamp last_checked_at: %+v", got)
	}

	report, err = engine.ReconcileOnce(ctx)
	if err != nil || report.Running != 1 {
		t.Fatalf("second pass = %+v, %v", report, err)
	}
	got, _ = store.Get(ctx, task.ID)
	if got.Status != queue.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
}

func TestCorruptDownloadFailsRecord(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator([]byte("<html>gateway error</html>"))
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1)
	task, err := engine.Submit(ctx, desc)
	if err != nil {
		t.Fatal(err)
	}
	report, err := engine.ReconcileOnce(ctx)
	if err != nil || report.Failed != 1 {
		t.Fatalf("report = %+v, %v", report, err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != queue.StatusFailed || !strings.HasPrefix(got.ErrorReason, "download:") {
		t.Fatalf("record = %s %q", got.Status, got.ErrorReason)
	}
	if _, err := os.Stat(desc.OutputPath); !os.IsNotExist(err) {
		t.Fatalf("corrupt artifact written to output path: %v", err)
	}
}

func TestStatusErrorIsReconciliationError(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if err != nil {
		t.Fatal(err)
	}
	gen.StatusErr = services.Wrap(services.ErrTimeout, "remote", "status", "timed out", nil)

	report, err := engine.ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var recErr *services.ReconciliationError
	if !errors.As(report.Err(), &recErr) || recErr.TaskID != task.ID {
		t.Fatalf("expected ReconciliationError, got %v", report.Err())
	}
	if services.ExitCode(report.Err()) != services.ExitReconciliation {
		t.Fatalf("exit code = %d", services.ExitCode(report.Err()))
	}
	got, _ := store.Get(ctx, task.ID)
	if got.Status != queue.StatusSubmitted || got.LastCheckedAt == nil {
		t.Fatalf("record after status error: %+v", got)
	}
}

func TestStaleSubmittedTaskIsResubmitted(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.DefaultState = []remote.JobStatus{{State: remote.JobPending}}

	task, err := generation.NewEngine(cfg, store, gen).Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if err != nil {
		t.Fatal(err)
	}

	fresh := generation.NewEngine(cfg, store, gen)
	if report, err := fresh.RetryOnce(ctx); err != nil || report.Resubmitted != 0 {
		t.Fatalf("fresh record retried: %+v, %v", report, err)
	}

	later := generation.NewEngine(cfg, store, gen, generation.WithClock(func() time.Time {
		return time.Now().Add(2 * time.Hour)
	}))
	report, err := later.RetryOnce(ctx)
	if err != nil || report.Resubmitted != 1 {
		t.Fatalf("stale retry = %+v, %v", report, err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.AttemptCount != 2 || got.RemoteJobID == task.RemoteJobID || got.Status != queue.StatusSubmitted {
		t.Fatalf("after stale retry: %+v", got)
	}
}

func TestResubmitWithStaleSnapshotDoesNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.SubmitErrors = []error{services.Wrap(services.ErrTransient, "remote", "submit", "down", nil)}
	engine := generation.NewEngine(cfg, store, gen)

	task, _ := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if _, err := engine.Resubmit(ctx, task); err != nil {
		t.Fatalf("first resubmit: %v", err)
	}
	// task is now an outdated snapshot.
	if _, err := engine.Resubmit(ctx, task); !errors.Is(err, queue.ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}
	if submits, _, _ := gen.Counts(); submits != 2 {
		t.Fatalf("submit calls = %d, want 2", submits)
	}
}

func TestLoopRunsPassesAndHoldsLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(128))
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(context.Background(), testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	companionRan := make(chan struct{})
	loop := generation.NewLoop(engine, func(ctx context.Context) error {
		close(companionRan)
		<-ctx.Done()
		return ctx.Err()
	})
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer loop.Stop()

	if err := generation.NewLoop(engine).Start(ctx); err == nil {
		t.Fatal("second loop acquired the watch lock")
	}

	<-companionRan
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), task.ID)
		if err == nil && got.IsArchived() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("loop did not complete the task")
}

func TestSubmitBlockedByRetryableFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.SubmitErrors = []error{services.Wrap(services.ErrTransient, "remote", "submit", "down", nil)}
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1)
	failed, err := engine.Submit(ctx, desc)
	if failed == nil || failed.Status != queue.StatusFailed {
		t.Fatalf("expected failed record, got %+v, %v", failed, err)
	}

	_, err = engine.Submit(ctx, desc)
	var dup *services.DuplicateTaskError
	if !errors.As(err, &dup) || dup.ExistingID != failed.ID {
		t.Fatalf("expected duplicate of failed record %s, got %v", failed.ID, err)
	}
	if submits, _, _ := gen.Counts(); submits != 1 {
		t.Fatalf("submit calls = %d, want 1", submits)
	}
}

func TestRetrySweepClaimsEachOutputOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	cfg.Tasks.Concurrency = 4
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(64))
	gen.DefaultState = []remote.JobStatus{{State: remote.JobPending}}
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1)
	for range 3 {
		if _, err := store.Create(ctx, queue.NewTask{Descriptor: desc, Status: queue.StatusFailed, ErrorReason: "down", MaxAttempts: 3}); err != nil {
			t.Fatalf("seed failed record: %v", err)
		}
	}
	other := testsupport.Descriptor(cfg, queue.KindImage, "ch1", "2.png", 2)
	if _, err := store.Create(ctx, queue.NewTask{Descriptor: other, Status: queue.StatusFailed, ErrorReason: "down", MaxAttempts: 3}); err != nil {
		t.Fatalf("seed failed record: %v", err)
	}

	report, err := engine.RetryOnce(ctx)
	if err != nil || report.Err() != nil {
		t.Fatalf("retry sweep: %v / %v", err, report.Err())
	}
	if report.Resubmitted != 2 || report.Archived != 2 {
		t.Fatalf("report = %+v, want 2 resubmitted and 2 superseded", report)
	}
	if submits, _, _ := gen.Counts(); submits != 2 {
		t.Fatalf("submit calls = %d, want one per output path", submits)
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	perPath := map[string]int{}
	for _, task := range active {
		perPath[task.OutputPath]++
	}
	if perPath[desc.OutputPath] != 1 || perPath[other.OutputPath] != 1 {
		t.Fatalf("active records per path = %v", perPath)
	}
}

func TestSubmitFailureReasonKeepsWholeRunes(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(testsupport.PNGPayload)
	gen.SubmitErrors = []error{errors.New(strings.Repeat("€", 400))}
	engine := generation.NewEngine(cfg, store, gen)

	task, err := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if err == nil || task == nil {
		t.Fatalf("expected failed record, got %+v, %v", task, err)
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ErrorReason) > 500 || !utf8.ValidString(got.ErrorReason) {
		t.Fatalf("reason is %d bytes, valid utf8 %v", len(got.ErrorReason), utf8.ValidString(got.ErrorReason))
	}
	if got.ErrorReason != strings.Repeat("€", 166) {
		t.Fatalf("reason cut at the wrong rune: %d bytes", len(got.ErrorReason))
	}
}

func TestResubmitKeysRemoteCallByTaskAttempt(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(testsupport.PNGPayload)
	gen.SubmitErrors = []error{services.Wrap(services.ErrTransient, "remote", "submit", "down", nil)}
	engine := generation.NewEngine(cfg, store, gen)

	task, _ := engine.Submit(ctx, testsupport.Descriptor(cfg, queue.KindImage, "ch1", "1.png", 1))
	if task == nil {
		t.Fatal("expected failed record")
	}
	if _, err := engine.Resubmit(ctx, task); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if len(gen.Keys) != 2 || gen.Keys[1] != task.ID+"/2" {
		t.Fatalf("idempotency keys = %q", gen.Keys)
	}
}

func TestScriptTaskBecomesChapterNarration(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	script := "月光下，剑客李明走进了山谷。\n他听见远处传来哭声。\n"
	gen := testsupport.NewFakeGenerator([]byte(script))
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindScript, "ch1", "draft.txt", 0)
	if _, err := engine.Submit(ctx, desc); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	report, err := engine.ReconcileOnce(ctx)
	if err != nil || report.Completed != 1 {
		t.Fatalf("report = %+v, %v", report, err)
	}

	layout := chapter.NewLayout(cfg.ChaptersDir())
	for _, path := range []string{desc.OutputPath, layout.NarrationPath("ch1")} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != script {
			t.Fatalf("%s = %q", path, data)
		}
	}
	manifest, err := layout.Load("ch1")
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Assets) != 0 {
		t.Fatalf("script registered as media asset: %+v", manifest.Assets)
	}
}

func TestScriptTaskRejectsBinaryPayload(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gen := testsupport.NewFakeGenerator(pngOfSize(256))
	engine := generation.NewEngine(cfg, store, gen)

	desc := testsupport.Descriptor(cfg, queue.KindScript, "ch1", "narration.txt", 0)
	task, err := engine.Submit(ctx, desc)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	report, err := engine.ReconcileOnce(ctx)
	if err != nil || report.Failed != 1 {
		t.Fatalf("report = %+v, %v", report, err)
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusFailed || !strings.Contains(got.ErrorReason, "does not match script") {
		t.Fatalf("record = %+v", got)
	}
	if _, err := os.Stat(desc.OutputPath); !os.IsNotExist(err) {
		t.Fatalf("binary payload written as narration: %v", err)
	}
}
