package housekeeping

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reelsmith/internal/config"
	"reelsmith/internal/logging"
)

// minRetention is the floor for how long leftovers are kept.
const minRetention = 24 * time.Hour

// Result contains the outcome of a cleanup operation.
type Result struct {
	Removed []string
	Freed   int64
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

func (r *Result) merge(other Result) {
	r.Removed = append(r.Removed, other.Removed...)
	r.Freed += other.Freed
	r.Errors = append(r.Errors, other.Errors...)
}

// Retention returns how old a leftover must be before Sweep removes it:
// four staleness windows, never less than a day.
func Retention(cfg *config.Config) time.Duration {
	retention := 4 * cfg.StaleAfter()
	if retention < minRetention {
		retention = minRetention
	}
	return retention
}

// Sweep cleans the spool and the chapters tree using the configured retention.
func Sweep(ctx context.Context, cfg *config.Config, logger *slog.Logger) Result {
	logger = logging.NewComponentLogger(logger, "housekeeping")
	maxAge := Retention(cfg)
	result := CleanStale(ctx, cfg.SpoolDir(), maxAge, logger)
	result.merge(CleanPartials(ctx, cfg.ChaptersDir(), maxAge, logger))
	if len(result.Removed) > 0 {
		logger.Info("housekeeping reclaimed space",
			logging.Int("removed", len(result.Removed)),
			logging.Int64("freed_bytes", result.Freed),
		)
	}
	return result
}

// CleanStale removes regular files directly under dir older than maxAge.
func CleanStale(ctx context.Context, dir string, maxAge time.Duration, logger *slog.Logger) Result {
	result := Result{}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return result
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			continue
		}
		if info.ModTime().Before(cutoff) {
			remove(&result, path, info, "stale spool entry", logger)
		}
	}
	return result
}

// CleanPartials walks root and removes partial transcode outputs
// (".name.partial.ext") older than maxAge.
func CleanPartials(ctx context.Context, root string, maxAge time.Duration, logger *slog.Logger) Result {
	result := Result{}

	root = strings.TrimSpace(root)
	if root == "" {
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isPartial(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			return nil
		}
		if info.ModTime().Before(cutoff) {
			remove(&result, path, info, "orphaned partial output", logger)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		result.Errors = append(result.Errors, CleanupError{Path: root, Error: err})
	}
	return result
}

func isPartial(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".partial")
}

func remove(result *Result, path string, info fs.FileInfo, what string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
		if logger != nil {
			logging.WarnWithContext(logger, "failed to remove "+what, "cleanup_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check directory permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
		}
		return
	}
	result.Removed = append(result.Removed, path)
	result.Freed += info.Size()
	if logger != nil {
		logger.Debug("removed "+what,
			logging.String("path", path),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "cleanup"),
		)
	}
}

// Periodic returns a worker that sweeps immediately and then every interval
// until ctx is cancelled.
func Periodic(cfg *config.Config, logger *slog.Logger, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if interval <= 0 {
			interval = time.Hour
		}
		Sweep(ctx, cfg, logger)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				Sweep(ctx, cfg, logger)
			}
		}
	}
}
