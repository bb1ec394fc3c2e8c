package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"reelsmith/internal/config"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

// Router dispatches each task kind to its configured backend. Job
// identifiers it returns carry the backend name as a prefix so later status
// and fetch calls reach the same backend.
type Router struct {
	backends map[string]Generator
	byKind   map[queue.Kind]string
	fallback string
}

// NewRouter builds a router. byKind maps task kinds to backend names; kinds
// without an entry use fallback.
func NewRouter(backends map[string]Generator, byKind map[queue.Kind]string, fallback string) *Router {
	return &Router{backends: backends, byKind: byKind, fallback: fallback}
}

// NewFromConfig wires the configured backends, each wrapped with the
// configured timeout and retry policy.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Router, error) {
	policy := RetryPolicy{
		Timeout: cfg.RemoteTimeout(),
		Retries: cfg.Tasks.RemoteRetries,
		Logger:  logger,
	}
	byKind := map[queue.Kind]string{
		queue.KindImage:        cfg.Backends.Image,
		queue.KindVideoSegment: cfg.Backends.VideoSegment,
		queue.KindAudio:        cfg.Backends.Audio,
		queue.KindScript:       cfg.Backends.Script,
	}

	backends := make(map[string]Generator)
	backends[config.BackendHTTP] = WithRetry(NewHTTPClient(HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Model:   cfg.Remote.Model,
	}), policy)

	for _, name := range byKind {
		if name != config.BackendOpenAI {
			continue
		}
		spool, err := NewOpenAISpool(OpenAIConfig{
			APIKey:             cfg.OpenAI.APIKey,
			BaseURL:            cfg.OpenAI.BaseURL,
			ImageModel:         cfg.OpenAI.ImageModel,
			ImageSize:          cfg.OpenAI.ImageSize,
			SpeechModel:        cfg.OpenAI.SpeechModel,
			Voice:              cfg.OpenAI.Voice,
			Speed:              cfg.OpenAI.Speed,
			ChatModel:          cfg.OpenAI.ChatModel,
			ScriptInstructions: cfg.OpenAI.ScriptInstructions,
			SpoolDir:           cfg.SpoolDir(),
		})
		if err != nil {
			return nil, err
		}
		backends[config.BackendOpenAI] = WithRetry(spool, policy)
		break
	}
	return NewRouter(backends, byKind, config.BackendHTTP), nil
}

// Submit routes desc by kind and prefixes the returned job identifier.
func (r *Router) Submit(ctx context.Context, desc queue.Descriptor) (string, error) {
	name := r.byKind[desc.Kind]
	if name == "" {
		name = r.fallback
	}
	gen, ok := r.backends[name]
	if !ok {
		return "", services.Wrap(services.ErrConfiguration, "remote", "route", fmt.Sprintf("no backend %q for kind %s", name, desc.Kind), nil)
	}
	id, err := gen.Submit(ctx, desc)
	if err != nil {
		return "", err
	}
	return name + ":" + id, nil
}

// Status forwards to the backend named in jobID.
func (r *Router) Status(ctx context.Context, jobID string) (JobStatus, error) {
	gen, id, err := r.resolve(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return gen.Status(ctx, id)
}

// Fetch forwards to the backend named in jobID.
func (r *Router) Fetch(ctx context.Context, jobID string) ([]byte, error) {
	gen, id, err := r.resolve(jobID)
	if err != nil {
		return nil, err
	}
	return gen.Fetch(ctx, id)
}

// Release forwards to the backend named in jobID when it holds artifacts.
func (r *Router) Release(ctx context.Context, jobID string) error {
	gen, id, err := r.resolve(jobID)
	if err != nil {
		return err
	}
	if rel, ok := gen.(Releaser); ok {
		return rel.Release(ctx, id)
	}
	return nil
}

func (r *Router) resolve(jobID string) (Generator, string, error) {
	name, id, found := strings.Cut(jobID, ":")
	if !found {
		name, id = r.fallback, jobID
	}
	gen, ok := r.backends[name]
	if !ok {
		return nil, "", services.Wrap(services.ErrConfiguration, "remote", "route", fmt.Sprintf("job %s names unknown backend %q", jobID, name), nil)
	}
	return gen, id, nil
}
