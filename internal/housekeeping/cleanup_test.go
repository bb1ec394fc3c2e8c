package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reelsmith/internal/fileutil"
	"reelsmith/internal/logging"
	"reelsmith/internal/testsupport"
)

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldFilesOnly(t *testing.T) {
	dir := t.TempDir()
	oldEntry := filepath.Join(dir, "job-old.bin")
	recentEntry := filepath.Join(dir, "job-new.bin")
	testsupport.WriteFile(t, oldEntry, 100)
	testsupport.WriteFile(t, recentEntry, 100)
	testsupport.Age(t, oldEntry, 2*time.Hour)

	subdir := filepath.Join(dir, "nested")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatal(err)
	}
	testsupport.Age(t, subdir, 2*time.Hour)

	result := CleanStale(context.Background(), dir, time.Hour, logging.NewNop())
	if len(result.Removed) != 1 || result.Removed[0] != oldEntry {
		t.Fatalf("unexpected removals %v", result.Removed)
	}
	if result.Freed != 100 {
		t.Fatalf("freed = %d", result.Freed)
	}
	if _, err := os.Stat(recentEntry); err != nil {
		t.Fatal("recent entry should still exist")
	}
	if _, err := os.Stat(subdir); err != nil {
		t.Fatal("directories are not spool entries")
	}
}

func TestCleanPartialsFindsNestedPartials(t *testing.T) {
	root := t.TempDir()
	final := filepath.Join(root, "ch1", "build", "01_transition.mp4")
	partial := fileutil.PartialPath(final)
	testsupport.WriteFile(t, final, 10)
	testsupport.WriteFile(t, partial, 10)
	testsupport.Age(t, final, 3*time.Hour)
	testsupport.Age(t, partial, 3*time.Hour)

	fresh := fileutil.PartialPath(filepath.Join(root, "ch2", "build", "02_narration.mp4"))
	testsupport.WriteFile(t, fresh, 10)

	result := CleanPartials(context.Background(), root, time.Hour, logging.NewNop())
	if len(result.Removed) != 1 || result.Removed[0] != partial {
		t.Fatalf("unexpected removals %v", result.Removed)
	}
	if _, err := os.Stat(final); err != nil {
		t.Fatal("completed outputs must be kept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("in-progress partials must be kept")
	}
}

func TestRetentionHasFloor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Tasks.StaleAfterSeconds = 60
	if got := Retention(cfg); got != minRetention {
		t.Fatalf("retention = %s", got)
	}
	cfg.Tasks.StaleAfterSeconds = 12 * 3600
	if got := Retention(cfg); got != 48*time.Hour {
		t.Fatalf("retention = %s", got)
	}
}

func TestSweepCleansSpoolAndChapters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spoolEntry := filepath.Join(cfg.SpoolDir(), "abc.err")
	partial := fileutil.PartialPath(filepath.Join(cfg.ChaptersDir(), "ch1", "ch1.mp4"))
	testsupport.WriteFile(t, spoolEntry, 5)
	testsupport.WriteFile(t, partial, 7)
	testsupport.Age(t, spoolEntry, 72*time.Hour)
	testsupport.Age(t, partial, 72*time.Hour)

	result := Sweep(context.Background(), cfg, logging.NewNop())
	if len(result.Removed) != 2 || result.Freed != 12 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPeriodicSweepsUntilCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spoolEntry := filepath.Join(cfg.SpoolDir(), "abc.bin")
	testsupport.WriteFile(t, spoolEntry, 5)
	testsupport.Age(t, spoolEntry, 72*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Periodic(cfg, logging.NewNop(), time.Hour)(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(spoolEntry); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("spool entry was not swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
