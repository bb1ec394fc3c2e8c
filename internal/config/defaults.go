package config

const (
	defaultWorkspaceDir         = "~/reelsmith"
	defaultStateDir             = "~/.local/share/reelsmith/state"
	defaultLogDir               = "~/.local/share/reelsmith/logs"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultMaxAttempts          = 3
	defaultPollIntervalSeconds  = 20
	defaultStaleAfterSeconds    = 900
	defaultConcurrency          = 4
	defaultRemoteTimeoutSeconds = 60
	defaultRemoteRetries        = 3
	defaultOpenAIImageModel     = "gpt-image-1"
	defaultOpenAIImageSize      = "1024x1536"
	defaultOpenAISpeechModel    = "gpt-4o-mini-tts"
	defaultOpenAIChatModel      = "gpt-4o-mini"
	defaultOpenAIVoice          = "alloy"
	defaultOpenAISpeed          = 1.0
	defaultBackend              = BackendHTTP
	defaultTrialTimeoutSeconds  = 20
	defaultStageTimeoutSeconds  = 1800
	defaultStageRetries         = 3
	defaultWidth                = 720
	defaultHeight               = 1280
	defaultFPS                  = 30
	defaultAudioBitrate         = "128k"
	defaultMinFreeMB            = 512
	defaultMaxSizeMB            = 50
	defaultMaxPasses            = 3
	defaultQualityStep          = 4
	defaultMaxCharsPerLine      = 16
	defaultFontName             = "Noto Sans CJK SC"
	defaultFontSize             = 56
	defaultMusicVolume          = 0.15
	defaultTransitionMS         = 500
)

// Backend names accepted in the [backends] section.
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			StateDir:     defaultStateDir,
			LogDir:       defaultLogDir,
		},
		Tasks: Tasks{
			MaxAttempts:          defaultMaxAttempts,
			PollIntervalSeconds:  defaultPollIntervalSeconds,
			StaleAfterSeconds:    defaultStaleAfterSeconds,
			Concurrency:          defaultConcurrency,
			RemoteTimeoutSeconds: defaultRemoteTimeoutSeconds,
			RemoteRetries:        defaultRemoteRetries,
		},
		OpenAI: OpenAI{
			ImageModel:  defaultOpenAIImageModel,
			ImageSize:   defaultOpenAIImageSize,
			SpeechModel: defaultOpenAISpeechModel,
			Voice:       defaultOpenAIVoice,
			Speed:       defaultOpenAISpeed,
			ChatModel:   defaultOpenAIChatModel,
		},
		Backends: Backends{
			Image:        defaultBackend,
			VideoSegment: defaultBackend,
			Audio:        defaultBackend,
			Script:       defaultBackend,
		},
		Encoding: Encoding{
			FFmpegBinary:        "ffmpeg",
			FFprobeBinary:       "ffprobe",
			TrialTimeoutSeconds: defaultTrialTimeoutSeconds,
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
			StageRetries:        defaultStageRetries,
			Width:               defaultWidth,
			Height:              defaultHeight,
			FPS:                 defaultFPS,
			AudioBitrate:        defaultAudioBitrate,
			MinFreeMB:           defaultMinFreeMB,
		},
		Budget: Budget{
			MaxSizeMB:   defaultMaxSizeMB,
			MaxPasses:   defaultMaxPasses,
			QualityStep: defaultQualityStep,
		},
		Captions: Captions{
			MaxCharsPerLine: defaultMaxCharsPerLine,
			FontName:        defaultFontName,
			FontSize:        defaultFontSize,
		},
		Finishing: Finishing{
			MusicVolume:  defaultMusicVolume,
			TransitionMS: defaultTransitionMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
