package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

const maxReasonLength = 500

// Submit hands desc to the remote service and records the outcome. A remote
// rejection still creates a failed record for the retry controller and
// returns a SubmissionError alongside it. While an in-flight record, or a
// failed one with attempts left, owns the output path, Submit returns a
// DuplicateTaskError and makes no remote call.
func (e *Engine) Submit(ctx context.Context, desc queue.Descriptor) (*queue.Task, error) {
	if err := desc.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "submit", "validate", "invalid descriptor", err)
	}
	existing, err := e.store.FindBlockingByOutput(ctx, desc.OutputPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &services.DuplicateTaskError{OutputPath: desc.OutputPath, ExistingID: existing.ID}
	}

	jobID, submitErr := e.gen.Submit(ctx, desc)
	if submitErr != nil {
		task, err := e.store.Create(ctx, queue.NewTask{
			Descriptor:  desc,
			Status:      queue.StatusFailed,
			ErrorReason: reasonOf(submitErr),
			MaxAttempts: e.maxAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("record failed submission: %w", errors.Join(err, submitErr))
		}
		logging.WarnWithContext(e.taskLogger(task), "remote submission failed; queued for retry", "submission_failed",
			logging.String("output_path", desc.OutputPath),
			logging.Error(submitErr),
			logging.String(logging.FieldErrorHint, "check remote service availability and credentials"),
			logging.String(logging.FieldImpact, "task will be resubmitted by retry-failed"),
		)
		return task, &services.SubmissionError{TaskID: task.ID, OutputPath: desc.OutputPath, Attempt: 1, Err: submitErr}
	}

	task, err := e.store.Create(ctx, queue.NewTask{
		Descriptor:  desc,
		Status:      queue.StatusSubmitted,
		RemoteJobID: jobID,
		MaxAttempts: e.maxAttempts,
	})
	if err != nil {
		logging.WarnWithContext(e.logger, "remote job accepted but not recorded", "submission_orphaned",
			logging.String(logging.FieldRemoteJobID, jobID),
			logging.String("output_path", desc.OutputPath),
			logging.Error(err),
		)
		return nil, err
	}
	e.taskLogger(task).Info("task submitted",
		logging.String("kind", string(task.Kind)),
		logging.String("output_path", task.OutputPath),
	)
	return task, nil
}

// Resubmit starts a new remote job for task, consuming one attempt. The remote
// call happens while the record is locked, and only if the record still
// matches the snapshot the caller saw; otherwise queue.ErrNoChange is
// returned and nothing is submitted.
func (e *Engine) Resubmit(ctx context.Context, task *queue.Task) (*queue.Task, error) {
	var (
		called    bool
		jobID     string
		submitErr error
	)
	updated, err := e.store.Update(ctx, task.ID, func(t *queue.Task) error {
		if t.Status != task.Status || t.AttemptCount != task.AttemptCount || t.RemoteJobID != task.RemoteJobID {
			return queue.ErrNoChange
		}
		if t.AttemptsExhausted() {
			return queue.ErrNoChange
		}
		if !called {
			keyed := services.WithIdempotencyKey(ctx, fmt.Sprintf("%s/%d", t.ID, t.AttemptCount+1))
			jobID, submitErr = e.gen.Submit(keyed, t.Descriptor)
			called = true
		}
		t.AttemptCount++
		t.SubmittedAt = e.now().UTC()
		t.LastCheckedAt = nil
		if submitErr != nil {
			t.Status = queue.StatusFailed
			t.RemoteJobID = ""
			t.ErrorReason = reasonOf(submitErr)
			return nil
		}
		t.Status = queue.StatusSubmitted
		t.RemoteJobID = jobID
		t.ErrorReason = ""
		return nil
	})
	if err != nil {
		if called && submitErr == nil {
			logging.WarnWithContext(e.taskLogger(task), "resubmitted job could not be recorded", "resubmission_orphaned",
				logging.String("new_remote_job_id", jobID),
				logging.Error(err),
			)
		}
		return updated, err
	}
	if submitErr != nil {
		return updated, &services.SubmissionError{TaskID: updated.ID, OutputPath: updated.OutputPath, Attempt: updated.AttemptCount, Err: submitErr}
	}
	e.taskLogger(updated).Info("task resubmitted", logging.String("output_path", updated.OutputPath))
	return updated, nil
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return truncateReason(strings.TrimSpace(err.Error()))
}

// truncateReason caps reason at maxReasonLength bytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := maxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
