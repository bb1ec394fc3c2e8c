package generation

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"reelsmith/internal/chapter"
	"reelsmith/internal/fileutil"
	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/remote"
	"reelsmith/internal/services"
)

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Scanned   int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
	Errors    []error
}

// Err joins the per-task errors of the pass.
func (r ReconcileReport) Err() error {
	return errors.Join(r.Errors...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePending
	outcomeRunning
	outcomeCompleted
	outcomeFailed
)

// ReconcileOnce polls every in-flight record once. Status lookups that fail
// leave the record untouched apart from last_checked_at and are reported as
// ReconciliationErrors; the next pass tries again.
func (e *Engine) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	tasks, err := e.store.ListActiveByStatus(ctx, queue.StatusSubmitted, queue.StatusProcessing)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Scanned: len(tasks)}
	results := make([]outcome, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, task := range tasks {
		index[task.ID] = i
	}

	report.Errors = e.forEach(ctx, tasks, func(ctx context.Context, task *queue.Task) error {
		result, err := e.reconcileTask(ctx, task)
		results[index[task.ID]] = result
		return err
	})
	for _, result := range results {
		switch result {
		case outcomePending:
			report.Pending++
		case outcomeRunning:
			report.Running++
		case outcomeCompleted:
			report.Completed++
		case outcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) reconcileTask(ctx context.Context, task *queue.Task) (outcome, error) {
	logger := e.taskLogger(task)
	status, err := e.gen.Status(ctx, task.RemoteJobID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSkipped, ctx.Err()
		}
		recErr := &services.ReconciliationError{TaskID: task.ID, RemoteJobID: task.RemoteJobID, Operation: "status", Err: err}
		logging.WarnWithContext(logger, "remote status check failed", "reconcile_status_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check remote service availability"),
			logging.String(logging.FieldImpact, "task will be polled again"),
		)
		if _, markErr := e.updateInFlight(ctx, task, func(t *queue.Task) {}); markErr != nil && !errors.Is(markErr, queue.ErrNoChange) {
			logger.Debug("mark checked failed", logging.Error(markErr))
		}
		return outcomePending, recErr
	}

	switch status.State {
	case remote.JobSucceeded:
		return e.collect(ctx, task, logger)
	case remote.JobFailed:
		reason := status.Reason
		if reason == "" {
			reason = "remote job failed"
		}
		return e.markFailed(ctx, task, reason, logger)
	case remote.JobRunning:
		_, err := e.updateInFlight(ctx, task, func(t *queue.Task) {
			t.Status = queue.StatusProcessing
		})
		if errors.Is(err, queue.ErrNoChange) {
			return outcomeSkipped, nil
		}
		if err != nil {
			return outcomeSkipped, err
		}
		return outcomeRunning, nil
	default:
		_, err := e.updateInFlight(ctx, task, func(t *queue.Task) {})
		if errors.Is(err, queue.ErrNoChange) {
			return outcomeSkipped, nil
		}
		if err != nil {
			return outcomeSkipped, err
		}
		return outcomePending, nil
	}
}

// updateInFlight applies change to the record if it is still in flight on
// the same remote job, stamping last_checked_at.
func (e *Engine) updateInFlight(ctx context.Context, task *queue.Task, change func(*queue.Task)) (*queue.Task, error) {
	return e.store.Update(ctx, task.ID, func(t *queue.Task) error {
		if !t.Status.IsInFlight() || t.RemoteJobID != task.RemoteJobID {
			return queue.ErrNoChange
		}
		checked := e.now().UTC()
		t.LastCheckedAt = &checked
		change(t)
		return nil
	})
}

func (e *Engine) markFailed(ctx context.Context, task *queue.Task, reason string, logger *slog.Logger) (outcome, error) {
	_, err := e.updateInFlight(ctx, task, func(t *queue.Task) {
		t.Status = queue.StatusFailed
		t.ErrorReason = truncateReason(reason)
	})
	if errors.Is(err, queue.ErrNoChange) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	logging.WarnWithContext(logger, "generation task failed", "task_failed",
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "run retry-failed to resubmit"),
		logging.String(logging.FieldImpact, "artifact not produced yet"),
	)
	return outcomeFailed, nil
}

// collect downloads a finished artifact, verifies it, writes it into place
// and completes, registers and archives the record. Any download or
// verification fault fails the record even though the remote job succeeded.
func (e *Engine) collect(ctx context.Context, task *queue.Task, logger *slog.Logger) (outcome, error) {
	data, err := e.gen.Fetch(ctx, task.RemoteJobID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSkipped, ctx.Err()
		}
		return e.markFailed(ctx, task, "download: "+reasonOf(err), logger)
	}
	mimeType, err := verifyArtifact(task.Kind, data)
	if err != nil {
		return e.markFailed(ctx, task, "download: "+reasonOf(err), logger)
	}
	if err := fileutil.WriteFileAtomic(task.OutputPath, data, 0o644); err != nil {
		return e.markFailed(ctx, task, "download: "+reasonOf(err), logger)
	}

	completed, err := e.updateInFlight(ctx, task, func(t *queue.Task) {
		t.Status = queue.StatusCompleted
		t.ErrorReason = ""
	})
	if errors.Is(err, queue.ErrNoChange) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	if completed.Kind == queue.KindScript {
		e.registerNarration(completed, data, logger)
	} else {
		e.registerAsset(ctx, completed, int64(len(data)), logger)
	}
	if _, err := e.store.Archive(ctx, completed.ID); err != nil {
		logging.WarnWithContext(logger, "archive completed task failed", "archive_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "record stays active until the next retry sweep"),
		)
	}
	e.release(ctx, completed.RemoteJobID)
	logger.Info("task completed",
		logging.String("output_path", completed.OutputPath),
		logging.Int64("size_bytes", int64(len(data))),
		logging.String("mime", mimeType),
	)
	return outcomeCompleted, nil
}

// registerNarration makes a finished script the chapter's narration text.
func (e *Engine) registerNarration(task *queue.Task, data []byte, logger *slog.Logger) {
	chapterID := task.ChapterID
	if chapterID == "" {
		chapterID = e.layout.ChapterOf(task.OutputPath)
	}
	if chapterID == "" {
		return
	}
	target := e.layout.NarrationPath(chapterID)
	if filepath.Clean(task.OutputPath) == target {
		return
	}
	if err := fileutil.WriteFileAtomic(target, data, 0o644); err != nil {
		logging.WarnWithContext(logger, "write chapter narration failed", "narration_register_failed",
			logging.String(logging.FieldChapterID, chapterID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "narration stage keeps the previous text"),
		)
		return
	}
	logger.Info("chapter narration updated", logging.String("path", target))
}

func (e *Engine) registerAsset(ctx context.Context, task *queue.Task, size int64, logger *slog.Logger) {
	chapterID := task.ChapterID
	if chapterID == "" {
		chapterID = e.layout.ChapterOf(task.OutputPath)
	}
	if chapterID == "" {
		return
	}
	asset := chapter.MediaAsset{
		Path:      task.OutputPath,
		Kind:      chapter.AssetKind(task.Kind.MediaKind()),
		Ordinal:   task.Ordinal,
		TaskID:    task.ID,
		SizeBytes: size,
	}
	if e.prober != nil && asset.Kind != chapter.KindImage {
		if seconds, err := e.prober.Duration(ctx, task.OutputPath); err == nil {
			asset.DurationSeconds = seconds
		} else {
			logger.Debug("probe asset duration failed", logging.Error(err))
		}
	}
	if _, err := e.layout.Register(ctx, chapterID, asset); err != nil {
		logging.WarnWithContext(logger, "register chapter asset failed", "asset_register_failed",
			logging.String(logging.FieldChapterID, chapterID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "pipeline will not see this asset until re-registered"),
		)
	}
}
