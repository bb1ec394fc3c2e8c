package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"reelsmith/internal/config"
	"reelsmith/internal/logging"
	"reelsmith/internal/services"
)

// Profile is the negotiated encoder.
type Profile struct {
	Tier   Tier
	Codec  string
	Params ParameterSet
}

// Candidate is one encoder the detector may try.
type Candidate struct {
	Tier   Tier
	Params ParameterSet
}

// TrialResult records the outcome of one trial encode.
type TrialResult struct {
	Candidate Candidate
	Err       error
	Elapsed   time.Duration
}

// TrialFunc runs a trial encode for c and returns nil when it works.
type TrialFunc func(ctx context.Context, c Candidate) error

// Candidates lists encoders in preference order for goos.
func Candidates(goos string, threads int) []Candidate {
	list := []Candidate{{Tier: TierGPU, Params: nvencParams()}}
	switch goos {
	case "darwin":
		list = append(list, Candidate{Tier: TierPlatform, Params: videotoolboxParams()})
	case "linux":
		list = append(list,
			Candidate{Tier: TierPlatform, Params: qsvParams()},
			Candidate{Tier: TierPlatform, Params: vaapiParams()},
		)
	case "windows":
		list = append(list, Candidate{Tier: TierPlatform, Params: amfParams()})
	}
	return append(list, Candidate{Tier: TierSoftware, Params: x264Params(threads)})
}

// Detector negotiates the encoder once per process.
type Detector struct {
	ffmpeg    string
	timeout   time.Duration
	goos      string
	forceTier Tier
	trial     TrialFunc
	logger    *slog.Logger

	once    sync.Once
	profile Profile
	err     error
	results []TrialResult
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithTrial replaces the ffmpeg trial encode.
func WithTrial(trial TrialFunc) DetectorOption {
	return func(d *Detector) { d.trial = trial }
}

// WithGOOS overrides the platform used to pick candidates.
func WithGOOS(goos string) DetectorOption {
	return func(d *Detector) { d.goos = goos }
}

// NewDetector builds a detector from configuration.
func NewDetector(cfg *config.Config, logger *slog.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		ffmpeg:    cfg.FFmpegBinary(),
		timeout:   cfg.TrialTimeout(),
		goos:      runtime.GOOS,
		forceTier: Tier(strings.ToLower(strings.TrimSpace(cfg.Encoding.ForceTier))),
		logger:    logging.NewComponentLogger(logger, "encoder-detect"),
	}
	d.trial = d.ffmpegTrial
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the cached profile, running the negotiation on first use.
func (d *Detector) Detect(ctx context.Context) (Profile, error) {
	d.once.Do(func() {
		d.profile, d.err = d.negotiate(ctx)
	})
	return d.profile, d.err
}

// Results returns the trial outcomes of the negotiation.
func (d *Detector) Results() []TrialResult {
	out := make([]TrialResult, len(d.results))
	copy(out, d.results)
	return out
}

func (d *Detector) negotiate(ctx context.Context) (Profile, error) {
	threads, err := cpu.Counts(true)
	if err != nil || threads < 1 {
		threads = runtime.NumCPU()
	}
	var failures []string
	for _, candidate := range Candidates(d.goos, threads) {
		if d.forceTier != "" && candidate.Tier != d.forceTier {
			continue
		}
		if ctx.Err() != nil {
			return Profile{}, ctx.Err()
		}
		start := time.Now()
		trialErr := d.trial(ctx, candidate)
		d.results = append(d.results, TrialResult{Candidate: candidate, Err: trialErr, Elapsed: time.Since(start)})
		if trialErr == nil {
			d.logger.Info("encoder selected",
				logging.String("tier", string(candidate.Tier)),
				logging.String("codec", candidate.Params.Codec),
			)
			return Profile{Tier: candidate.Tier, Codec: candidate.Params.Codec, Params: candidate.Params.Clone()}, nil
		}
		d.logger.Debug("encoder trial failed",
			logging.String("codec", candidate.Params.Codec),
			logging.Error(trialErr),
		)
		failures = append(failures, fmt.Sprintf("%s: %v", candidate.Params.Codec, trialErr))
	}
	return Profile{}, services.Wrap(services.ErrExternalTool, "encoding", "detect",
		"no working encoder ("+strings.Join(failures, "; ")+")", nil)
}

func (d *Detector) ffmpegTrial(ctx context.Context, c Candidate) error {
	trialCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		trialCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	args := TrialArgs(c)
	cmd := exec.CommandContext(trialCtx, d.ffmpeg, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(trialCtx.Err(), context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, "encoding", "trial", c.Params.Codec, err)
		}
		return fmt.Errorf("%w: %s", err, lastLine(string(output)))
	}
	return nil
}

// TrialArgs builds the ffmpeg arguments for a one-second synthetic encode.
func TrialArgs(c Candidate) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, c.Params.PreInput...)
	args = append(args, "-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1")
	if c.Params.Upload != "" {
		args = append(args, "-vf", c.Params.Upload)
	}
	args = append(args, c.Params.Args()...)
	return append(args, "-f", "null", "-")
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}
