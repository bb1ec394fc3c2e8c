package preflight

import (
	"context"
	"fmt"
	"strings"

	"reelsmith/internal/config"
	"reelsmith/internal/deps"
	"reelsmith/internal/services"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the environment checks shown by the status command.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Workspace directory", cfg.Paths.WorkspaceDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckFreeSpace("Workspace free space", cfg.Paths.WorkspaceDir, cfg.Encoding.MinFreeMB),
	}
	results = append(results, binaryResults(ctx, cfg)...)
	if usesBackend(cfg, config.BackendHTTP) {
		results = append(results, CheckRemote(ctx, cfg.Remote.BaseURL, cfg.Remote.APIKey))
	}
	if usesBackend(cfg, config.BackendOpenAI) && strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		results = append(results, Result{Name: "OpenAI", Detail: "API key missing"})
	}
	return results
}

// ForPipeline runs the checks a pipeline run depends on for one chapter.
func ForPipeline(ctx context.Context, cfg *config.Config, chapterDir string) []Result {
	results := []Result{
		CheckDirectoryAccess("Chapter directory", chapterDir),
		CheckFreeSpace("Workspace free space", cfg.Paths.WorkspaceDir, cfg.Encoding.MinFreeMB),
	}
	return append(results, binaryResults(ctx, cfg)...)
}

// Err folds failed results into a configuration error, or nil when every
// check passed.
func Err(results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return services.Wrap(services.ErrConfiguration, "preflight", "check", strings.Join(failed, "; "), nil)
}

func binaryResults(ctx context.Context, cfg *config.Config) []Result {
	var results []Result
	for _, status := range deps.CheckBinaries(ctx, deps.Requirements(cfg)) {
		r := Result{Name: status.Name, Passed: status.Available || status.Optional, Detail: status.Detail}
		if status.Available {
			r.Detail = status.Version
			if r.Detail == "" {
				r.Detail = status.Path
			}
		}
		results = append(results, r)
	}
	return results
}

func usesBackend(cfg *config.Config, name string) bool {
	b := cfg.Backends
	return b.Image == name || b.VideoSegment == name || b.Audio == name
}
