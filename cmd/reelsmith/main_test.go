package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"reelsmith/internal/api"
	"reelsmith/internal/captions"
	"reelsmith/internal/config"
	"reelsmith/internal/services"
	"reelsmith/internal/testsupport"
)

var pngPayload = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type fakeService struct {
	mu      sync.Mutex
	reject  bool
	submits int
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.submits++
		if f.reject {
			http.Error(w, `{"error":"prompt rejected"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"job-1"}`))
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":             "succeeded",
			"binary_data_base64": []string{base64.StdEncoding.EncodeToString(pngPayload)},
		})
	})
	return mux
}

type cliEnv struct {
	cfg        *config.Config
	configPath string
	service    *fakeService
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	service := &fakeService{}
	srv := httptest.NewServer(service.handler())
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Remote.BaseURL = srv.URL
	cfg.Logging.Level = "error"

	configPath := filepath.Join(testsupport.BaseDir(cfg), "reelsmith.toml")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliEnv{cfg: cfg, configPath: configPath, service: service}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeDescriptor(t *testing.T, dir, name string, desc map[string]any) string {
	t.Helper()
	data, err := json.Marshal(desc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestSubmitReconcileAndStatus(t *testing.T) {
	env := setupCLI(t)
	descPath := writeDescriptor(t, t.TempDir(), "scene.json", map[string]any{
		"kind":        "image",
		"prompt":      "a lighthouse at dusk",
		"chapter_id":  "ch1",
		"ordinal":     1,
		"output_path": "001.png",
	})

	out, err := runCLI(t, env.configPath, "submit", "--json", descPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var submitted []api.TaskView
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("decode submit output %q: %v", out, err)
	}
	if len(submitted) != 1 || submitted[0].Status != "submitted" {
		t.Fatalf("unexpected submit output %+v", submitted)
	}

	out, err = runCLI(t, env.configPath, "reconcile", "--once")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	requireContains(t, out, "1 completed")

	out, err = runCLI(t, env.configPath, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report api.StatusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Archived["completed"] != 1 {
		t.Fatalf("expected one archived completed task, got %+v", report.Archived)
	}

	asset := filepath.Join(env.cfg.ChaptersDir(), "ch1", "images", "001.png")
	if info, err := os.Stat(asset); err != nil || info.Size() != int64(len(pngPayload)) {
		t.Fatalf("expected registered asset at %s: %v", asset, err)
	}

	out, err = runCLI(t, env.configPath, "status", "--no-checks")
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	requireContains(t, out, "Tasks")
}

func TestSubmitRejectionExitsWithSubmissionCode(t *testing.T) {
	env := setupCLI(t)
	env.service.reject = true
	descPath := writeDescriptor(t, t.TempDir(), "scene.json", map[string]any{
		"kind":        "image",
		"prompt":      "a lighthouse at dusk",
		"output_path": filepath.Join(env.cfg.ChaptersDir(), "ch1", "images", "001.png"),
	})

	out, err := runCLI(t, env.configPath, "submit", descPath)
	if err == nil {
		t.Fatal("expected submission error")
	}
	if code := services.ExitCode(err); code != services.ExitSubmission {
		t.Fatalf("exit code = %d, want %d (%v)", code, services.ExitSubmission, err)
	}
	requireContains(t, out, "rejected")

	out, err = runCLI(t, env.configPath, "retry-failed")
	if err == nil {
		t.Fatal("expected the rejected resubmission to be reported")
	}
	requireContains(t, out, "Resubmitted")
}

func TestCaptionsCommand(t *testing.T) {
	env := setupCLI(t)
	assPath := filepath.Join(t.TempDir(), "captions.ass")

	out, err := runCLI(t, env.configPath, "captions",
		"--text", "Hello, world. This is a test!",
		"--duration", "4",
		"--max-chars", "15",
		"--ass", assPath,
		"--json",
	)
	if err != nil {
		t.Fatalf("captions: %v", err)
	}
	var lines []captions.Line
	if err := json.Unmarshal([]byte(out), &lines); err != nil {
		t.Fatalf("decode captions: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "Hello, world." || lines[1].End != 4 {
		t.Fatalf("unexpected lines %+v", lines)
	}
	data, err := os.ReadFile(assPath)
	if err != nil {
		t.Fatalf("read ass: %v", err)
	}
	requireContains(t, string(data), "Dialogue:")

	if _, err := runCLI(t, env.configPath, "captions", "--duration", "4"); err == nil {
		t.Fatal("expected missing text to fail")
	}
}

func TestRunPipelineRejectsInvalidChapter(t *testing.T) {
	env := setupCLI(t)
	_, err := runCLI(t, env.configPath, "run-pipeline", "../escape")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunPipelineFailsPreflightWithoutFFmpeg(t *testing.T) {
	env := setupCLI(t)
	env.cfg.Encoding.FFmpegBinary = "reelsmith-missing-ffmpeg"
	data, err := toml.Marshal(env.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.configPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(env.cfg.ChaptersDir(), "ch1"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err = runCLI(t, env.configPath, "run-pipeline", "ch1")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestReconcileFlagsAreExclusive(t *testing.T) {
	env := setupCLI(t)
	if _, err := runCLI(t, env.configPath, "reconcile", "--once", "--watch"); err == nil {
		t.Fatal("expected flag conflict")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLI(t)

	out, err := runCLI(t, env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, err = runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	env := setupCLI(t)
	env.cfg.Remote.APIKey = "remote-secret-9876"
	data, err := toml.Marshal(env.cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(env.configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCLI(t, env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "remote-secret") {
		t.Fatalf("expected api key to be masked:\n%s", out)
	}
	requireContains(t, out, "9876")
	requireContains(t, out, env.cfg.Remote.BaseURL)
}

func TestRunPipelineWaitsForPendingGeneration(t *testing.T) {
	env := setupCLI(t)
	descPath := writeDescriptor(t, t.TempDir(), "scene.json", map[string]any{
		"kind":        "image",
		"prompt":      "a lighthouse at dusk",
		"chapter_id":  "ch1",
		"ordinal":     1,
		"output_path": "001.png",
	})
	if _, err := runCLI(t, env.configPath, "submit", descPath); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := runCLI(t, env.configPath, "run-pipeline", "--skip-preflight", "ch1")
	var pending *services.InputsPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected pending inputs error, got %v", err)
	}
	if pending.ChapterID != "ch1" || len(pending.Pending) != 1 {
		t.Fatalf("unexpected pending report %+v", pending)
	}
	if code := services.ExitCode(err); code != services.ExitPipeline {
		t.Fatalf("expected exit code %d, got %d", services.ExitPipeline, code)
	}
}
