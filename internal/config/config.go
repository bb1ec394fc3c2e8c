package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WorkspaceDir string `toml:"workspace_dir"`
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
}

// Tasks contains generation task engine settings.
type Tasks struct {
	MaxAttempts          int `toml:"max_attempts"`
	PollIntervalSeconds  int `toml:"poll_interval_seconds"`
	StaleAfterSeconds    int `toml:"stale_after_seconds"`
	Concurrency          int `toml:"concurrency"`
	RemoteTimeoutSeconds int `toml:"remote_timeout_seconds"`
	RemoteRetries        int `toml:"remote_retries"`
}

// Remote contains connection settings for the asynchronous generation service.
type Remote struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

// OpenAI contains settings for the OpenAI image, speech and script adapter.
type OpenAI struct {
	APIKey             string  `toml:"api_key"`
	BaseURL            string  `toml:"base_url"`
	ImageModel         string  `toml:"image_model"`
	ImageSize          string  `toml:"image_size"`
	SpeechModel        string  `toml:"speech_model"`
	Voice              string  `toml:"voice"`
	Speed              float64 `toml:"speed"`
	ChatModel          string  `toml:"chat_model"`
	ScriptInstructions string  `toml:"script_instructions"`
}

// Backends selects the generation backend per task kind ("http" or "openai").
type Backends struct {
	Image        string `toml:"image"`
	VideoSegment string `toml:"video_segment"`
	Audio        string `toml:"audio"`
	Script       string `toml:"script"`
}

// Encoding contains transcoding settings.
type Encoding struct {
	FFmpegBinary        string `toml:"ffmpeg_binary"`
	FFprobeBinary       string `toml:"ffprobe_binary"`
	TrialTimeoutSeconds int    `toml:"trial_timeout_seconds"`
	StageTimeoutSeconds int    `toml:"stage_timeout_seconds"`
	StageRetries        int    `toml:"stage_retries"`
	Width               int    `toml:"width"`
	Height              int    `toml:"height"`
	FPS                 int    `toml:"fps"`
	AudioBitrate        string `toml:"audio_bitrate"`
	ForceTier           string `toml:"force_tier"`
	MinFreeMB           int    `toml:"min_free_mb"`
}

// Budget contains output size enforcement settings.
type Budget struct {
	MaxSizeMB   int `toml:"max_size_mb"`
	MaxPasses   int `toml:"max_passes"`
	QualityStep int `toml:"quality_step"`
}

// Captions contains caption segmentation settings.
type Captions struct {
	MaxCharsPerLine int    `toml:"max_chars_per_line"`
	FontName        string `toml:"font_name"`
	FontSize        int    `toml:"font_size"`
}

// Finishing contains the optional credits and background music inputs.
type Finishing struct {
	CreditsVideo string  `toml:"credits_video"`
	MusicFile    string  `toml:"music_file"`
	MusicVolume  float64 `toml:"music_volume"`
	TransitionMS int     `toml:"transition_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for reelsmith.
//
// Configuration sections by subsystem:
//   - Paths: workspace, state and log directories
//   - Tasks: attempt ceiling, polling cadence, staleness and concurrency
//   - Remote: asynchronous generation service endpoint
//   - OpenAI: image and speech adapter
//   - Backends: which adapter serves each task kind
//   - Encoding: ffmpeg binaries, timeouts and output geometry
//   - Budget: size ceiling and compression passes
//   - Captions: segmentation bound and subtitle styling
//   - Finishing: credits clip and background music
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Tasks     Tasks     `toml:"tasks"`
	Remote    Remote    `toml:"remote"`
	OpenAI    OpenAI    `toml:"openai"`
	Backends  Backends  `toml:"backends"`
	Encoding  Encoding  `toml:"encoding"`
	Budget    Budget    `toml:"budget"`
	Captions  Captions  `toml:"captions"`
	Finishing Finishing `toml:"finishing"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/reelsmith/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reelsmith.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the workspace, state, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkspaceDir, c.Paths.StateDir, c.Paths.LogDir, c.ChaptersDir(), c.InboxDir(), c.SpoolDir()} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the task record database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "tasks.db")
}

// ChaptersDir returns the root of the per-chapter asset namespace.
func (c *Config) ChaptersDir() string {
	return filepath.Join(c.Paths.WorkspaceDir, "chapters")
}

// InboxDir returns the descriptor drop directory watched in watch mode.
func (c *Config) InboxDir() string {
	return filepath.Join(c.Paths.WorkspaceDir, "inbox")
}

// SpoolDir returns the directory holding results of synchronous adapters.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.Paths.StateDir, "spool")
}

// TranscodeLockPath returns the lock file serializing transcoder invocations.
func (c *Config) TranscodeLockPath() string {
	return filepath.Join(c.Paths.StateDir, "transcode.lock")
}

// WatchLockPath returns the lock file guarding a single watch loop.
func (c *Config) WatchLockPath() string {
	return filepath.Join(c.Paths.StateDir, "watch.lock")
}

// FFmpegBinary returns the ffmpeg executable name.
func (c *Config) FFmpegBinary() string {
	if bin := strings.TrimSpace(c.Encoding.FFmpegBinary); bin != "" {
		return bin
	}
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	if bin := strings.TrimSpace(c.Encoding.FFprobeBinary); bin != "" {
		return bin
	}
	return "ffprobe"
}

// PollInterval returns the reconcile tick as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Tasks.PollIntervalSeconds) * time.Second
}

// StaleAfter returns the age after which a submitted task counts as stuck.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Tasks.StaleAfterSeconds) * time.Second
}

// RemoteTimeout returns the per-call remote timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Tasks.RemoteTimeoutSeconds) * time.Second
}

// TrialTimeout returns the encoder trial timeout.
func (c *Config) TrialTimeout() time.Duration {
	return time.Duration(c.Encoding.TrialTimeoutSeconds) * time.Second
}

// StageTimeout returns the per-invocation transcoding timeout.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Encoding.StageTimeoutSeconds) * time.Second
}

// BudgetBytes returns the output size ceiling in bytes.
func (c *Config) BudgetBytes() int64 {
	return int64(c.Budget.MaxSizeMB) * 1024 * 1024
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
