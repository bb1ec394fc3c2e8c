package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTasks()
	c.normalizeRemote()
	c.normalizeOpenAI()
	c.normalizeBackends()
	c.normalizeEncoding()
	if err := c.normalizeFinishing(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkspaceDir) == "" {
		c.Paths.WorkspaceDir = defaultWorkspaceDir
	}
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTasks() {
	if c.Tasks.MaxAttempts == 0 {
		c.Tasks.MaxAttempts = defaultMaxAttempts
	}
	if c.Tasks.PollIntervalSeconds == 0 {
		c.Tasks.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Tasks.StaleAfterSeconds == 0 {
		c.Tasks.StaleAfterSeconds = defaultStaleAfterSeconds
	}
	if c.Tasks.Concurrency == 0 {
		c.Tasks.Concurrency = defaultConcurrency
	}
	if c.Tasks.RemoteTimeoutSeconds == 0 {
		c.Tasks.RemoteTimeoutSeconds = defaultRemoteTimeoutSeconds
	}
}

func (c *Config) normalizeRemote() {
	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Remote.APIKey = strings.TrimSpace(c.Remote.APIKey)
	if c.Remote.APIKey == "" {
		if value, ok := os.LookupEnv("REELSMITH_REMOTE_API_KEY"); ok {
			c.Remote.APIKey = strings.TrimSpace(value)
		}
	}
	c.Remote.Model = strings.TrimSpace(c.Remote.Model)
}

func (c *Config) normalizeOpenAI() {
	c.OpenAI.APIKey = strings.TrimSpace(c.OpenAI.APIKey)
	if c.OpenAI.APIKey == "" {
		if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.OpenAI.APIKey = strings.TrimSpace(value)
		}
	}
	c.OpenAI.BaseURL = strings.TrimSpace(c.OpenAI.BaseURL)
	if strings.TrimSpace(c.OpenAI.ImageModel) == "" {
		c.OpenAI.ImageModel = defaultOpenAIImageModel
	}
	if strings.TrimSpace(c.OpenAI.ImageSize) == "" {
		c.OpenAI.ImageSize = defaultOpenAIImageSize
	}
	if strings.TrimSpace(c.OpenAI.SpeechModel) == "" {
		c.OpenAI.SpeechModel = defaultOpenAISpeechModel
	}
	if strings.TrimSpace(c.OpenAI.Voice) == "" {
		c.OpenAI.Voice = defaultOpenAIVoice
	}
	if c.OpenAI.Speed == 0 {
		c.OpenAI.Speed = defaultOpenAISpeed
	}
	if strings.TrimSpace(c.OpenAI.ChatModel) == "" {
		c.OpenAI.ChatModel = defaultOpenAIChatModel
	}
	c.OpenAI.ScriptInstructions = strings.TrimSpace(c.OpenAI.ScriptInstructions)
}

func (c *Config) normalizeBackends() {
	normalizeBackend := func(value string) string {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			return defaultBackend
		}
		return value
	}
	c.Backends.Image = normalizeBackend(c.Backends.Image)
	c.Backends.VideoSegment = normalizeBackend(c.Backends.VideoSegment)
	c.Backends.Audio = normalizeBackend(c.Backends.Audio)
	c.Backends.Script = normalizeBackend(c.Backends.Script)
}

func (c *Config) normalizeEncoding() {
	c.Encoding.FFmpegBinary = strings.TrimSpace(c.Encoding.FFmpegBinary)
	c.Encoding.FFprobeBinary = strings.TrimSpace(c.Encoding.FFprobeBinary)
	c.Encoding.ForceTier = strings.ToLower(strings.TrimSpace(c.Encoding.ForceTier))
	c.Encoding.AudioBitrate = strings.TrimSpace(c.Encoding.AudioBitrate)
	if c.Encoding.AudioBitrate == "" {
		c.Encoding.AudioBitrate = defaultAudioBitrate
	}
	if c.Captions.MaxCharsPerLine == 0 {
		c.Captions.MaxCharsPerLine = defaultMaxCharsPerLine
	}
	if strings.TrimSpace(c.Captions.FontName) == "" {
		c.Captions.FontName = defaultFontName
	}
	if c.Captions.FontSize == 0 {
		c.Captions.FontSize = defaultFontSize
	}
}

func (c *Config) normalizeFinishing() error {
	var err error
	if c.Finishing.CreditsVideo, err = expandPath(strings.TrimSpace(c.Finishing.CreditsVideo)); err != nil {
		return fmt.Errorf("finishing.credits_video: %w", err)
	}
	if c.Finishing.MusicFile, err = expandPath(strings.TrimSpace(c.Finishing.MusicFile)); err != nil {
		return fmt.Errorf("finishing.music_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
