package ffprobe

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"reelsmith/internal/services"
)

func TestResultHelpers(t *testing.T) {
	result := Result{
		Streams: []Stream{{CodecType: "video"}, {CodecType: "audio", Duration: "12.5"}},
		Format:  Format{Duration: "123.45", Size: "1000"},
	}
	if !result.HasStream("audio") || result.HasStream("subtitle") {
		t.Fatal("HasStream mismatch")
	}
	if result.DurationSeconds() != 123.45 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 1000 {
		t.Fatalf("unexpected size: %d", result.SizeBytes())
	}
}

func TestDurationFallsBackToStreams(t *testing.T) {
	result := Result{Streams: []Stream{{Duration: "3.5"}, {Duration: "7.25"}, {Duration: "bad"}}}
	if got := result.DurationSeconds(); got != 7.25 {
		t.Fatalf("duration = %v, want 7.25", got)
	}
	bad := Result{Format: Format{Duration: "bad", Size: "-1"}}
	if !math.IsNaN(bad.DurationSeconds()) {
		t.Fatalf("expected NaN, got %v", bad.DurationSeconds())
	}
	if bad.SizeBytes() != 0 {
		t.Fatalf("expected size 0, got %d", bad.SizeBytes())
	}
}

func TestProberDurationWithStubBinary(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffprobe")
	script := "#!/bin/sh\necho '{\"streams\":[{\"codec_type\":\"audio\"}],\"format\":{\"duration\":\"4.000\"}}'\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := Prober{Binary: stub}.Duration(context.Background(), "/any/file.mp3")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if got != 4.0 {
		t.Fatalf("duration = %v", got)
	}
}

func TestProberReportsToolFailure(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := Prober{Binary: stub}.Inspect(context.Background(), "/any/file.mp4")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}
