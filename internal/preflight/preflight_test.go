package preflight

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"reelsmith/internal/config"
	"reelsmith/internal/services"
	"reelsmith/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if r := CheckFreeSpace("disk", dir, 1); !r.Passed {
		t.Fatalf("expected 1 MB to be free: %s", r.Detail)
	}
	if r := CheckFreeSpace("disk", dir, math.MaxInt32); r.Passed {
		t.Fatal("expected failure for an impossible requirement")
	}
	if r := CheckFreeSpace("disk", dir, 0); !r.Passed {
		t.Fatal("zero requirement should pass")
	}
	if r := CheckFreeSpace("disk", filepath.Join(dir, "missing"), 1); r.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if r := CheckRemote(context.Background(), srv.URL, "good-key"); !r.Passed {
		t.Fatalf("expected pass, got: %s", r.Detail)
	}
	if r := CheckRemote(context.Background(), srv.URL, "bad-key"); r.Passed {
		t.Fatal("expected failure for bad key")
	}
	if r := CheckRemote(context.Background(), "", "key"); r.Passed {
		t.Fatal("expected failure for missing URL")
	}
}

func TestForPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	chapterDir := filepath.Join(cfg.ChaptersDir(), "ch")
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Err(ForPipeline(context.Background(), cfg, chapterDir)); err != nil {
		t.Fatalf("expected pipeline preflight to pass: %v", err)
	}

	cfg.Encoding.FFmpegBinary = "clearly-not-ffmpeg"
	err := Err(ForPipeline(context.Background(), cfg, chapterDir))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunAllIncludesBackendChecks(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Backends.Audio = config.BackendOpenAI
	cfg.OpenAI.APIKey = ""
	var sawRemote, sawOpenAI bool
	for _, r := range RunAll(context.Background(), cfg) {
		switch r.Name {
		case "Remote generation service":
			sawRemote = true
		case "OpenAI":
			sawOpenAI = !r.Passed
		}
	}
	if !sawRemote || !sawOpenAI {
		t.Fatalf("remote=%v openai=%v", sawRemote, sawOpenAI)
	}
}
