package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"reelsmith/internal/chapter"
	"reelsmith/internal/fileutil"
	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

const (
	submittedDir  = "submitted"
	rejectedDir   = "rejected"
	defaultSettle = 500 * time.Millisecond
)

// Submitter accepts descriptors; generation.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, desc queue.Descriptor) (*queue.Task, error)
}

// Watcher processes descriptor files in one inbox directory.
type Watcher struct {
	dir       string
	layout    chapter.Layout
	submitter Submitter
	logger    *slog.Logger
	settle    time.Duration
}

// New constructs a watcher over dir.
func New(dir string, layout chapter.Layout, submitter Submitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:       dir,
		layout:    layout,
		submitter: submitter,
		logger:    logging.NewComponentLogger(logger, "inbox"),
		settle:    defaultSettle,
	}
}

// WithSettle overrides how long a file must stay quiet before processing.
func (w *Watcher) WithSettle(d time.Duration) *Watcher {
	w.settle = d
	return w
}

// Sweep processes every descriptor currently in the inbox, oldest name first.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isDescriptor(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	processed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := w.Process(ctx, filepath.Join(w.dir, name)); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Process submits one descriptor file and files it under submitted or
// rejected. Only filesystem faults are returned; rejections are logged.
func (w *Watcher) Process(ctx context.Context, path string) error {
	logger := w.logger.With(logging.String("file", filepath.Base(path)))
	desc, err := ReadDescriptor(path, w.layout)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		var task *queue.Task
		task, err = w.submitter.Submit(ctx, desc)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var subErr *services.SubmissionError
		if task != nil && (err == nil || errors.As(err, &subErr)) {
			logger.Info("inbox descriptor accepted",
				logging.String(logging.FieldTaskID, task.ID),
				logging.String("status", string(task.Status)),
			)
			return w.file(path, submittedDir, "")
		}
	}
	logging.WarnWithContext(logger, "inbox descriptor rejected", "inbox_rejected",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "fix the descriptor and drop it into the inbox again"),
		logging.String(logging.FieldImpact, "no task was created"),
	)
	return w.file(path, rejectedDir, err.Error())
}

func (w *Watcher) file(path, sub, note string) error {
	destDir := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(dest, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move descriptor: %w", err)
	}
	if note != "" {
		return fileutil.WriteFileAtomic(dest+".error", []byte(note+"\n"), 0o644)
	}
	return nil
}

// Run sweeps the inbox, then processes new descriptors as they appear until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("initial inbox sweep failed", logging.Error(err))
	}

	pending := make(map[string]time.Time)
	tick := w.settle / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !isDescriptor(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", logging.Error(err))
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				if err := w.Process(ctx, path); err != nil {
					w.logger.Warn("inbox descriptor processing failed", logging.String("file", path), logging.Error(err))
				}
			}
		}
	}
}

func isDescriptor(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}
