package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reelsmith/internal/captions"
	"reelsmith/internal/chapter"
	"reelsmith/internal/config"
	"reelsmith/internal/encoding"
	"reelsmith/internal/ffmpeg"
	"reelsmith/internal/fileutil"
	"reelsmith/internal/logging"
	"reelsmith/internal/services"
)

// Stage names, in execution order.
const (
	StageTransition = "transition"
	StageNarration  = "narration"
	StageFinish     = "finish"
)

const fallbackOpeningSeconds = 3.0

// Transcoder runs one ffmpeg invocation.
type Transcoder interface {
	Run(ctx context.Context, inv ffmpeg.Invocation) (ffmpeg.Result, error)
}

// DurationProber measures media duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

type studio struct {
	runner       Transcoder
	prober       DurationProber
	segmenter    *captions.Segmenter
	width        int
	height       int
	fps          int
	audioBitrate string
	transition   float64
	creditsVideo string
	musicFile    string
	musicVolume  float64
	assOptions   captions.ASSOptions
}

// DefaultStages returns the transition, narration and finish stages
// configured from cfg.
func DefaultStages(cfg *config.Config, runner Transcoder, prober DurationProber) ([]Stage, error) {
	segmenter, err := captions.NewSegmenter(cfg.Captions.MaxCharsPerLine)
	if err != nil {
		return nil, err
	}
	s := &studio{
		runner:       runner,
		prober:       prober,
		segmenter:    segmenter,
		width:        cfg.Encoding.Width,
		height:       cfg.Encoding.Height,
		fps:          cfg.Encoding.FPS,
		audioBitrate: cfg.Encoding.AudioBitrate,
		transition:   float64(cfg.Finishing.TransitionMS) / 1000,
		creditsVideo: cfg.Finishing.CreditsVideo,
		musicFile:    cfg.Finishing.MusicFile,
		musicVolume:  cfg.Finishing.MusicVolume,
		assOptions: captions.ASSOptions{
			Width:    cfg.Encoding.Width,
			Height:   cfg.Encoding.Height,
			FontName: cfg.Captions.FontName,
			FontSize: cfg.Captions.FontSize,
		},
	}
	return []Stage{transitionStage{s}, narrationStage{s}, finishStage{s}}, nil
}

// transitionStage joins the opening video segments with crossfades. A
// chapter without segments opens on a Ken Burns pass over its first image.
type transitionStage struct{ *studio }

func (transitionStage) Name() string { return StageTransition }

func (s transitionStage) Run(ctx context.Context, in StageInput) (string, error) {
	manifest, err := in.Layout.Load(in.ChapterID)
	if err != nil {
		return "", err
	}
	output := filepath.Join(in.Layout.BuildDir(in.ChapterID), "01_transition.mp4")
	videos := manifest.ByKind(chapter.KindVideo)

	var inputs, args []string
	var graph strings.Builder
	last := "s0"
	if len(videos) == 0 {
		images := manifest.ByKind(chapter.KindImage)
		if len(images) == 0 {
			return "", missingAssets(StageTransition, "no video segments or images registered")
		}
		inputs = []string{images[0].Path}
		args = append(args, "-i", images[0].Path)
		fmt.Fprintf(&graph, "[0:v]%s[s0];", s.kenBurns(fallbackOpeningSeconds))
	} else {
		durations := make([]float64, len(videos))
		for i, video := range videos {
			inputs = append(inputs, video.Path)
			args = append(args, "-i", video.Path)
			if durations[i], err = s.duration(ctx, video); err != nil {
				return "", err
			}
			fmt.Fprintf(&graph, "[%d:v]%s[s%d];", i, s.normalize(), i)
		}
		fade := s.fadeLength(durations)
		offset := durations[0] - fade
		for i := 1; i < len(videos); i++ {
			label := "x" + strconv.Itoa(i)
			fmt.Fprintf(&graph, "[%s][s%d]xfade=transition=fade:duration=%s:offset=%s[%s];",
				last, i, seconds(fade), seconds(offset), label)
			last = label
			offset += durations[i] - fade
		}
	}
	fmt.Fprintf(&graph, "[%s]%s[vout]", last, uploadOrNull(in.Params))

	full := append(append([]string(nil), in.Params.PreInput...), args...)
	full = append(full, "-filter_complex", graph.String(), "-map", "[vout]", "-an")
	full = append(full, in.Params.Args()...)
	full = append(full, "-r", strconv.Itoa(s.fps))
	_, err = s.runner.Run(ctx, ffmpeg.Invocation{Stage: StageTransition, Inputs: inputs, Args: full, Output: output})
	return output, err
}

// fadeLength keeps crossfades shorter than half of the shortest segment.
func (s *studio) fadeLength(durations []float64) float64 {
	fade := s.transition
	for _, d := range durations {
		if d > 0 && fade > d/2 {
			fade = d / 2
		}
	}
	return fade
}

// narrationStage follows the opening with Ken Burns clips of every image,
// timed to the narration audio, and burns in the captions.
type narrationStage struct{ *studio }

func (narrationStage) Name() string { return StageNarration }

func (s narrationStage) Run(ctx context.Context, in StageInput) (string, error) {
	if in.Previous == "" {
		return "", missingAssets(StageNarration, "opening clip missing")
	}
	manifest, err := in.Layout.Load(in.ChapterID)
	if err != nil {
		return "", err
	}
	images := manifest.ByKind(chapter.KindImage)
	audio := manifest.ByKind(chapter.KindAudio)
	if len(images) == 0 || len(audio) == 0 {
		return "", missingAssets(StageNarration, fmt.Sprintf("need images and narration audio, have %d images and %d audio", len(images), len(audio)))
	}

	var narration float64
	for _, asset := range audio {
		d, err := s.duration(ctx, asset)
		if err != nil {
			return "", err
		}
		narration += d
	}
	opening, err := s.prober.Duration(ctx, in.Previous)
	if err != nil {
		return "", err
	}
	captionsPath, err := s.writeCaptions(in, narration, opening)
	if err != nil {
		return "", err
	}

	output := filepath.Join(in.Layout.BuildDir(in.ChapterID), "02_narration.mp4")
	inputs := []string{in.Previous}
	args := append([]string(nil), in.Params.PreInput...)
	args = append(args, "-i", in.Previous)
	var graph strings.Builder
	fmt.Fprintf(&graph, "[0:v]%s[s0];", s.normalize())
	perImage := narration / float64(len(images))
	for i, image := range images {
		inputs = append(inputs, image.Path)
		args = append(args, "-i", image.Path)
		fmt.Fprintf(&graph, "[%d:v]%s[s%d];", i+1, s.kenBurns(perImage), i+1)
	}
	for i := 0; i <= len(images); i++ {
		fmt.Fprintf(&graph, "[s%d]", i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[cat];", len(images)+1)
	subtitle := "null"
	if captionsPath != "" {
		subtitle = "subtitles=" + filterPath(captionsPath)
	}
	fmt.Fprintf(&graph, "[cat]%s[sub];[sub]%s[vout];", subtitle, uploadOrNull(in.Params))

	base := len(images) + 1
	for i, asset := range audio {
		inputs = append(inputs, asset.Path)
		args = append(args, "-i", asset.Path)
		fmt.Fprintf(&graph, "[%d:a]", base+i)
	}
	delay := int(math.Round(opening * 1000))
	fmt.Fprintf(&graph, "concat=n=%d:v=0:a=1[nar];[nar]adelay=delays=%d:all=1[aout]", len(audio), delay)

	args = append(args, "-filter_complex", graph.String(), "-map", "[vout]", "-map", "[aout]")
	args = append(args, in.Params.Args()...)
	args = append(args, "-c:a", "aac", "-b:a", s.audioBitrate, "-r", strconv.Itoa(s.fps), "-movflags", "+faststart")
	_, err = s.runner.Run(ctx, ffmpeg.Invocation{Stage: StageNarration, Inputs: inputs, Args: args, Output: output})
	return output, err
}

// writeCaptions segments narration.txt across the narration audio, offset by
// the opening clip. A chapter without narration text gets no captions.
func (s narrationStage) writeCaptions(in StageInput, narration, offset float64) (string, error) {
	text, err := os.ReadFile(in.Layout.NarrationPath(in.ChapterID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read narration text: %w", err)
	}
	lines, err := s.segmenter.Segment(string(text), narration)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	for i := range lines {
		lines[i].Start += offset
		lines[i].End += offset
	}
	path := in.Layout.CaptionsPath(in.ChapterID)
	opts := s.assOptions
	opts.Title = in.ChapterID
	if err := fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return captions.WriteASS(w, lines, opts)
	}); err != nil {
		return "", err
	}
	if in.Logger != nil {
		in.Logger.Debug("captions written", logging.String("path", path), logging.Int("lines", len(lines)))
	}
	return path, nil
}

// finishStage appends the credits clip and mixes background music under the
// narration. Video is stream-copied unless a compression pass is running.
type finishStage struct{ *studio }

func (finishStage) Name() string { return StageFinish }

func (s finishStage) Run(ctx context.Context, in StageInput) (string, error) {
	if in.Previous == "" {
		return "", missingAssets(StageFinish, "narration render missing")
	}
	output := in.Layout.FinalPath(in.ChapterID)
	inputs := []string{in.Previous}
	var args []string
	if in.Reencode {
		args = append(args, in.Params.PreInput...)
	}

	if s.creditsVideo != "" {
		list := filepath.Join(in.Layout.BuildDir(in.ChapterID), "finish_concat.txt")
		body := concatEntry(in.Previous) + concatEntry(s.creditsVideo)
		if err := fileutil.WriteFileAtomic(list, []byte(body), 0o644); err != nil {
			return "", err
		}
		inputs = append(inputs, s.creditsVideo, list)
		args = append(args, "-f", "concat", "-safe", "0", "-i", list)
	} else {
		args = append(args, "-i", in.Previous)
	}

	if s.musicFile != "" {
		inputs = append(inputs, s.musicFile)
		args = append(args, "-stream_loop", "-1", "-i", s.musicFile)
		graph := fmt.Sprintf("[1:a]volume=%s[m];[0:a][m]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[aout]",
			strconv.FormatFloat(s.musicVolume, 'f', 2, 64))
		args = append(args, "-filter_complex", graph, "-map", "0:v", "-map", "[aout]", "-c:a", "aac", "-b:a", s.audioBitrate)
	} else {
		args = append(args, "-map", "0:v", "-map", "0:a?", "-c:a", "copy")
	}

	if in.Reencode {
		if in.Params.Upload != "" {
			args = append(args, "-vf", in.Params.Upload)
		}
		args = append(args, in.Params.Args()...)
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args, "-movflags", "+faststart")
	_, err := s.runner.Run(ctx, ffmpeg.Invocation{Stage: StageFinish, Inputs: inputs, Args: args, Output: output})
	return output, err
}

func (s *studio) duration(ctx context.Context, asset chapter.MediaAsset) (float64, error) {
	if asset.DurationSeconds > 0 {
		return asset.DurationSeconds, nil
	}
	return s.prober.Duration(ctx, asset.Path)
}

func (s *studio) normalize() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,fps=%d,format=yuv420p,setsar=1",
		s.width, s.height, s.width, s.height, s.fps)
}

// kenBurns renders a still as a slow centered zoom lasting secs.
func (s *studio) kenBurns(secs float64) string {
	frames := max(int(math.Ceil(secs*float64(s.fps))), 1)
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,"+
		"zoompan=z='min(zoom+0.0010,1.25)':d=%d:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d,"+
		"trim=duration=%s,format=yuv420p,setsar=1",
		s.width*2, s.height*2, s.width*2, s.height*2, frames, s.width, s.height, s.fps, seconds(secs))
}

func uploadOrNull(params encoding.ParameterSet) string {
	if params.Upload != "" {
		return params.Upload
	}
	return "null"
}

func missingAssets(stage, message string) error {
	return services.Wrap(services.ErrValidation, "pipeline", stage, message, nil)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

var filterPathEscaper = strings.NewReplacer(`\`, `\\\\`, `'`, `\\\'`, `:`, `\\:`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)

func filterPath(path string) string {
	return filterPathEscaper.Replace(path)
}

func concatEntry(path string) string {
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n"
}
