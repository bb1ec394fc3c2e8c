// Package deps reports whether the external binaries reelsmith shells out to
// are installed.
package deps

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"reelsmith/internal/config"
)

const versionTimeout = 5 * time.Second

// Requirement names a binary and how to ask it for a version line.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	VersionArg  string
}

// Status is the outcome of resolving one Requirement.
type Status struct {
	Requirement
	Available bool
	Path      string
	Version   string
	Detail    string
}

// Requirements lists the binaries the configured pipeline needs.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{Name: "FFmpeg", Command: cfg.FFmpegBinary(), Description: "trial encodes and pipeline stages", VersionArg: "-version"},
		{Name: "FFprobe", Command: cfg.FFprobeBinary(), Description: "media duration probing", VersionArg: "-version"},
	}
}

// CheckBinaries resolves every requirement concurrently. Results keep the
// order of requirements.
func CheckBinaries(ctx context.Context, requirements []Requirement) []Status {
	results := make([]Status, len(requirements))
	var g errgroup.Group
	g.SetLimit(4)
	for i, req := range requirements {
		g.Go(func() error {
			results[i] = check(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func check(ctx context.Context, req Requirement) Status {
	req.Command = strings.TrimSpace(req.Command)
	status := Status{Requirement: req}
	if req.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(req.Command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", req.Command)
		return status
	}
	status.Available, status.Path = true, path
	if req.VersionArg != "" {
		status.Version = versionLine(ctx, path, req.VersionArg)
	}
	return status
}

// Missing filters statuses down to unavailable required binaries.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}

func versionLine(ctx context.Context, path, arg string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, arg).Output()
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(first)
}
