package encoding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"reelsmith/internal/services"
	"reelsmith/internal/testsupport"
)

func codecs(list []Candidate) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Params.Codec
	}
	return out
}

func TestCandidateOrderPerPlatform(t *testing.T) {
	cases := map[string][]string{
		"linux":   {"h264_nvenc", "h264_qsv", "h264_vaapi", "libx264"},
		"darwin":  {"h264_nvenc", "h264_videotoolbox", "libx264"},
		"windows": {"h264_nvenc", "h264_amf", "libx264"},
		"plan9":   {"h264_nvenc", "libx264"},
	}
	for goos, want := range cases {
		if got := codecs(Candidates(goos, 4)); !slices.Equal(got, want) {
			t.Fatalf("%s: %v, want %v", goos, got, want)
		}
	}
}

func TestDetectPicksFirstWorkingAndCaches(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var tried []string
	trial := func(_ context.Context, c Candidate) error {
		tried = append(tried, c.Params.Codec)
		if c.Params.Codec == "h264_vaapi" {
			return nil
		}
		return errors.New("Cannot load libcuda.so.1")
	}
	d := NewDetector(cfg, nil, WithTrial(trial), WithGOOS("linux"))

	profile, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if profile.Tier != TierPlatform || profile.Codec != "h264_vaapi" {
		t.Fatalf("profile = %+v", profile)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := []string{"h264_nvenc", "h264_qsv", "h264_vaapi"}; !slices.Equal(tried, want) {
		t.Fatalf("trials = %v, want %v", tried, want)
	}
	if len(d.Results()) != 3 {
		t.Fatalf("results = %d", len(d.Results()))
	}
}

func TestDetectForceTierAndTotalFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Encoding.ForceTier = "software"
	d := NewDetector(cfg, nil, WithTrial(func(context.Context, Candidate) error { return nil }), WithGOOS("linux"))
	profile, err := d.Detect(context.Background())
	if err != nil || profile.Codec != "libx264" {
		t.Fatalf("forced profile = %+v, %v", profile, err)
	}

	cfg.Encoding.ForceTier = ""
	failing := NewDetector(cfg, nil, WithTrial(func(context.Context, Candidate) error { return errors.New("no") }), WithGOOS("darwin"))
	if _, err := failing.Detect(context.Background()); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestFFmpegTrialWithStubBinary(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do\n  if [ \"$a\" = libx264 ]; then exit 0; fi\ndone\necho 'Unknown encoder' >&2\nexit 1\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := testsupport.NewConfig(t)
	cfg.Encoding.FFmpegBinary = stub

	d := NewDetector(cfg, nil, WithGOOS("linux"))
	profile, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if profile.Tier != TierSoftware {
		t.Fatalf("profile = %+v", profile)
	}
	for _, r := range d.Results()[:3] {
		if r.Err == nil {
			t.Fatalf("%s trial unexpectedly succeeded", r.Candidate.Params.Codec)
		}
	}
}

func TestStepDownMovesKnobAndRates(t *testing.T) {
	p := x264Params(4)
	next := p.StepDown(4)
	if next.Quality != 36 || next.MaxrateKbps != 1760 || next.BufsizeKbps != 3520 {
		t.Fatalf("step down = %+v", next)
	}
	if p.Quality != 32 {
		t.Fatal("StepDown mutated the receiver")
	}
	for i := 0; i < 10; i++ {
		next = next.StepDown(4)
	}
	if next.Quality != 51 || next.MaxrateKbps != minRateKbps {
		t.Fatalf("clamped set = %+v", next)
	}

	vt := videotoolboxParams().StepDown(50)
	if vt.Quality != 20 {
		t.Fatalf("videotoolbox quality = %d, want 20", vt.Quality)
	}
}

func TestTrialArgsIncludeDeviceSetup(t *testing.T) {
	args := TrialArgs(Candidate{Tier: TierPlatform, Params: vaapiParams()})
	if args[4] != "-vaapi_device" {
		t.Fatalf("device init not before input: %v", args)
	}
	if !slices.Contains(args, "format=nv12,hwupload") || slices.Contains(args, "-pix_fmt") {
		t.Fatalf("unexpected vaapi args: %v", args)
	}
	if args[len(args)-1] != "-" || args[len(args)-2] != "null" {
		t.Fatalf("trial must encode to null: %v", args)
	}
}
