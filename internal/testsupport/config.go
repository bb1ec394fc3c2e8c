package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"reelsmith/internal/config"
)

// ConfigOption adjusts a test configuration before its directories are created.
type ConfigOption func(*fixture)

type fixture struct {
	t    testing.TB
	root string
	cfg  *config.Config
}

// NewConfig returns defaults rooted in a fresh temp directory, tuned for fast
// tests: one-second polling, no remote retries, short timeouts and no free
// space floor.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.Paths{
		WorkspaceDir: filepath.Join(root, "workspace"),
		StateDir:     filepath.Join(root, "state"),
		LogDir:       filepath.Join(root, "logs"),
	}
	cfg.Tasks.PollIntervalSeconds, cfg.Tasks.RemoteRetries, cfg.Tasks.RemoteTimeoutSeconds = 1, 0, 5
	cfg.Encoding.TrialTimeoutSeconds, cfg.Encoding.StageTimeoutSeconds, cfg.Encoding.MinFreeMB = 5, 30, 0

	f := &fixture{t: t, root: root, cfg: &cfg}
	for _, opt := range opts {
		opt(f)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMaxAttempts overrides the task attempt ceiling.
func WithMaxAttempts(n int) ConfigOption {
	return func(f *fixture) {
		f.cfg.Tasks.MaxAttempts = n
	}
}

// WithStageRetries overrides the per-stage attempt bound.
func WithStageRetries(n int) ConfigOption {
	return func(f *fixture) {
		f.cfg.Encoding.StageRetries = n
	}
}

// WithBudgetMB overrides the output size budget.
func WithBudgetMB(mb int) ConfigOption {
	return func(f *fixture) {
		f.cfg.Budget.MaxSizeMB = mb
	}
}

// WithStubbedBinaries puts succeeding stub executables on PATH; with no
// names it stubs ffmpeg and ffprobe.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(f *fixture) {
		StubBinaries(f.t, filepath.Join(f.root, "bin"), "#!/bin/sh\nexit 0\n", names...)
	}
}

// StubBinaries writes an executable per name running script into dir and
// prepends dir to PATH for the rest of the test.
func StubBinaries(t testing.TB, dir, script string, names ...string) {
	t.Helper()
	if len(names) == 0 {
		names = []string{"ffmpeg", "ffprobe"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create stub dir: %v", err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
			t.Fatalf("write stub %s: %v", name, err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkspaceDir)
}
