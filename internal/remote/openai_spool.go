package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"reelsmith/internal/fileutil"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

const (
	spoolPayloadExt = ".bin"
	spoolErrorExt   = ".err"
)

// DefaultScriptInstructions is the system prompt for script generation when
// neither the descriptor nor the configuration supplies one.
const DefaultScriptInstructions = "Rewrite the passage as narration for a vertical short video. " +
	"Keep the story beats, use short spoken sentences and return only the narration text."

// OpenAIConfig captures the settings for the OpenAI image, speech and
// script adapter.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	ImageModel         string
	ImageSize          string
	SpeechModel        string
	Voice              string
	Speed              float64
	ChatModel          string
	ScriptInstructions string
	SpoolDir           string
	HTTPClient         *http.Client
}

// OpenAISpool runs OpenAI image, speech and script generation at submit time and
// keeps the result in a spool directory until the reconciler fetches it.
// Rejections the API will never accept are spooled as failures so they
// surface through Status like any other failed job.
type OpenAISpool struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAISpool constructs the adapter. The SDK's own retries are disabled;
// callers wrap the adapter with WithRetry instead.
func NewOpenAISpool(cfg OpenAIConfig) (*OpenAISpool, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "remote", "openai", "openai.api_key is not set", nil)
	}
	if strings.TrimSpace(cfg.SpoolDir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "remote", "openai", "spool directory is required", nil)
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAISpool{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Submit generates the artifact and returns the spool job identifier.
func (s *OpenAISpool) Submit(ctx context.Context, desc queue.Descriptor) (string, error) {
	var (
		data []byte
		err  error
	)
	switch desc.Kind {
	case queue.KindImage:
		data, err = s.generateImage(ctx, desc)
	case queue.KindAudio:
		data, err = s.generateSpeech(ctx, desc)
	case queue.KindScript:
		data, err = s.generateScript(ctx, desc)
	default:
		return "", services.Wrap(services.ErrConfiguration, "remote", "openai", fmt.Sprintf("kind %s is not supported by the openai backend", desc.Kind), nil)
	}

	jobID := uuid.NewString()
	if err != nil {
		mapped := mapOpenAIError(err)
		if !errors.Is(mapped, services.ErrValidation) {
			return "", mapped
		}
		if writeErr := fileutil.WriteFileAtomic(s.entryPath(jobID, spoolErrorExt), []byte(mapped.Error()), 0o644); writeErr != nil {
			return "", fmt.Errorf("spool failure: %w", writeErr)
		}
		return jobID, nil
	}
	if len(data) == 0 {
		return "", services.Wrap(services.ErrTransient, "remote", "openai", "empty response payload", nil)
	}
	if err := fileutil.WriteFileAtomic(s.entryPath(jobID, spoolPayloadExt), data, 0o644); err != nil {
		return "", fmt.Errorf("spool payload: %w", err)
	}
	return jobID, nil
}

// Status reports the spooled outcome. An entry that is gone (for example
// after the spool directory was cleared) is a failed job.
func (s *OpenAISpool) Status(_ context.Context, jobID string) (JobStatus, error) {
	if _, err := os.Stat(s.entryPath(jobID, spoolPayloadExt)); err == nil {
		return JobStatus{State: JobSucceeded}, nil
	}
	reason, err := os.ReadFile(s.entryPath(jobID, spoolErrorExt))
	if err == nil {
		return JobStatus{State: JobFailed, Reason: strings.TrimSpace(string(reason))}, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return JobStatus{State: JobFailed, Reason: "spool entry missing"}, nil
	}
	return JobStatus{}, services.Wrap(services.ErrTransient, "remote", "status", "read spool entry", err)
}

// Fetch returns the spooled payload.
func (s *OpenAISpool) Fetch(_ context.Context, jobID string) ([]byte, error) {
	data, err := os.ReadFile(s.entryPath(jobID, spoolPayloadExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, services.Wrap(services.ErrNotFound, "remote", "fetch", "spool entry "+jobID+" missing", err)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "remote", "fetch", "read spool entry", err)
	}
	return data, nil
}

// Release removes the spool entries for jobID.
func (s *OpenAISpool) Release(_ context.Context, jobID string) error {
	for _, ext := range []string{spoolPayloadExt, spoolErrorExt} {
		if err := os.Remove(s.entryPath(jobID, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *OpenAISpool) entryPath(jobID, ext string) string {
	return filepath.Join(s.cfg.SpoolDir, filepath.Base(jobID)+ext)
}

func (s *OpenAISpool) generateImage(ctx context.Context, desc queue.Descriptor) ([]byte, error) {
	model := firstNonEmpty(desc.Model, s.cfg.ImageModel, "gpt-image-1")
	params := openai.ImageGenerateParams{
		Prompt: desc.Prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
	}
	if size := firstNonEmpty(desc.Params["size"], s.cfg.ImageSize); size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}
	if strings.HasPrefix(model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := s.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "remote", "openai", "decode image payload", err)
	}
	return data, nil
}

func (s *OpenAISpool) generateSpeech(ctx context.Context, desc queue.Descriptor) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Input:          desc.Text,
		Model:          openai.SpeechModel(firstNonEmpty(desc.Model, s.cfg.SpeechModel, "gpt-4o-mini-tts")),
		Voice:          openai.AudioSpeechNewParamsVoice(firstNonEmpty(desc.Voice, s.cfg.Voice, "alloy")),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if s.cfg.Speed > 0 {
		params.Speed = openai.Float(s.cfg.Speed)
	}
	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "remote", "openai", "read speech payload", err)
	}
	return data, nil
}

// generateScript asks the chat model to turn desc.Prompt into narration. The
// descriptor's text, when set, replaces the configured system instructions.
func (s *OpenAISpool) generateScript(ctx context.Context, desc queue.Descriptor) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(firstNonEmpty(desc.Model, s.cfg.ChatModel, "gpt-4o-mini")),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(firstNonEmpty(desc.Text, s.cfg.ScriptInstructions, DefaultScriptInstructions)),
			openai.UserMessage(desc.Prompt),
		},
	}
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, services.Wrap(services.ErrValidation, "remote", "openai", "script blocked by content filter", nil)
	}
	text := narrationText(choice.Message.Content)
	if text == "" {
		return nil, nil
	}
	return []byte(text + "\n"), nil
}

var (
	codeFence    = regexp.MustCompile("(?m)^```[a-zA-Z]*[ \t]*$")
	narrationTag = regexp.MustCompile(`(?s)<narration>(.*?)</narration>`)
)

// narrationText strips markdown fences from a chat reply and, when the model
// answered with <narration> blocks, keeps only their contents.
func narrationText(content string) string {
	content = codeFence.ReplaceAllString(content, "")
	if blocks := narrationTag.FindAllStringSubmatch(content, -1); len(blocks) > 0 {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if part := strings.TrimSpace(block[1]); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, "\n")
	}
	return strings.TrimSpace(content)
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("openai status %d", apiErr.StatusCode)
		if apiErr.Message != "" {
			msg += ": " + apiErr.Message
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return services.Wrap(services.ErrTransient, "remote", "openai", msg, nil)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "remote", "openai", msg, nil)
		default:
			return services.Wrap(services.ErrValidation, "remote", "openai", msg, nil)
		}
	}
	if services.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return classifyTransportError("openai", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
