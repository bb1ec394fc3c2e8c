package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"reelsmith/internal/services"
)

// Result holds the parts of `ffprobe -show_format -show_streams` that
// reelsmith consumes. Numeric fields stay strings because ffprobe emits
// them quoted and sometimes as "N/A".
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

type Stream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type Format struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

// Prober shells out to ffprobe. An empty Binary resolves "ffprobe" on PATH.
type Prober struct {
	Binary string
}

func (p Prober) binary() string {
	if b := strings.TrimSpace(p.Binary); b != "" {
		return b
	}
	return "ffprobe"
}

// Inspect probes path and decodes ffprobe's JSON report.
func (p Prober) Inspect(ctx context.Context, path string) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary(),
		"-v", "error", "-hide_banner", "-of", "json", "-show_format", "-show_streams", "--", path)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "ffprobe", "inspect", strings.TrimSpace(stderr.String()), err)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Result{}, fmt.Errorf("decode ffprobe report for %s: %w", path, err)
	}
	return result, nil
}

// Duration returns the playable length of path in seconds and fails when
// ffprobe reports none.
func (p Prober) Duration(ctx context.Context, path string) (float64, error) {
	result, err := p.Inspect(ctx, path)
	if err != nil {
		return 0, err
	}
	if seconds := result.DurationSeconds(); seconds > 0 {
		return seconds, nil
	}
	return 0, services.Wrap(services.ErrValidation, "ffprobe", "duration", "no usable duration for "+path, nil)
}

func (r Result) HasStream(codecType string) bool {
	return slices.ContainsFunc(r.Streams, func(s Stream) bool {
		return strings.EqualFold(s.CodecType, codecType)
	})
}

// DurationSeconds prefers the container duration and otherwise takes the
// longest stream. Missing values give 0; an unparsable container value
// gives NaN.
func (r Result) DurationSeconds() float64 {
	if d := number(r.Format.Duration); d != 0 {
		return d
	}
	var longest float64
	for _, s := range r.Streams {
		longest = max(longest, nanToZero(number(s.Duration)))
	}
	return longest
}

// SizeBytes is the container size, or 0 when ffprobe did not report one.
func (r Result) SizeBytes() int64 {
	return int64(max(nanToZero(number(r.Format.Size)), 0))
}

func number(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
