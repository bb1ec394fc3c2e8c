package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

// RetryReport summarizes one retry sweep.
type RetryReport struct {
	Resubmitted int
	Archived    int
	Terminal    []*services.TerminalGenerationFailure
	Errors      []error
}

// Err joins terminal failures and per-task errors of the sweep.
func (r RetryReport) Err() error {
	errs := make([]error, 0, len(r.Terminal)+len(r.Errors))
	for _, t := range r.Terminal {
		errs = append(errs, t)
	}
	errs = append(errs, r.Errors...)
	return errors.Join(errs...)
}

// RetryOnce resubmits failed records and in-flight records older than the
// staleness threshold while attempts remain. Records out of attempts are
// left failed, archived and reported as TerminalGenerationFailures.
// Completed records that were never archived are archived here.
func (e *Engine) RetryOnce(ctx context.Context) (RetryReport, error) {
	tasks, err := e.store.ListActiveByStatus(ctx,
		queue.StatusFailed, queue.StatusSubmitted, queue.StatusProcessing, queue.StatusCompleted)
	if err != nil {
		return RetryReport{}, err
	}
	now := e.now()
	var (
		groups [][]*queue.Task
		byPath = make(map[string]int)
	)
	for _, task := range tasks {
		if task.Status.IsInFlight() && task.Age(now) <= e.staleAfter {
			continue
		}
		i, ok := byPath[task.OutputPath]
		if !ok {
			i = len(groups)
			byPath[task.OutputPath] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], task)
	}

	var (
		mu     sync.Mutex
		report RetryReport
	)
	// Records sharing an output path run one after another so at most one of
	// them can claim the path with a new remote job.
	bounded(ctx, e.concurrency, groups, func(ctx context.Context, group []*queue.Task) error {
		for _, task := range group {
			if ctx.Err() != nil {
				return nil
			}
			terminal, resubmitted, archived, err := e.retryTask(ctx, task)
			mu.Lock()
			if terminal != nil {
				report.Terminal = append(report.Terminal, terminal)
			}
			if resubmitted {
				report.Resubmitted++
			}
			if archived {
				report.Archived++
			}
			if err != nil {
				report.Errors = append(report.Errors, err)
			}
			mu.Unlock()
		}
		return nil
	})
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) retryTask(ctx context.Context, task *queue.Task) (*services.TerminalGenerationFailure, bool, bool, error) {
	logger := e.taskLogger(task)

	if task.Status == queue.StatusCompleted {
		if _, err := e.store.Archive(ctx, task.ID); err != nil {
			return nil, false, false, err
		}
		return nil, false, true, nil
	}

	if task.AttemptsExhausted() {
		return e.exhaust(ctx, task)
	}

	if other, err := e.store.FindActiveByOutput(ctx, task.OutputPath); err == nil && other != nil && other.ID != task.ID {
		if task.Status == queue.StatusFailed {
			if _, err := e.store.Archive(ctx, task.ID); err != nil {
				return nil, false, false, err
			}
			logger.Info("failed task superseded by newer submission", logging.String("superseded_by", other.ID))
			return nil, false, true, nil
		}
	}

	if task.Status.IsInFlight() {
		logging.WarnWithContext(logger, "task stale; resubmitting", "task_stale",
			logging.Duration("age", task.Age(e.now())),
			logging.String(logging.FieldImpact, "previous remote job is abandoned"),
		)
	}
	_, err := e.Resubmit(ctx, task)
	switch {
	case err == nil:
		return nil, true, false, nil
	case errors.Is(err, queue.ErrNoChange):
		return nil, false, false, nil
	default:
		return nil, false, false, err
	}
}

// exhaust moves a record with no attempts left to its permanent failed state.
func (e *Engine) exhaust(ctx context.Context, task *queue.Task) (*services.TerminalGenerationFailure, bool, bool, error) {
	current := task
	if task.Status.IsInFlight() {
		updated, err := e.store.Update(ctx, task.ID, func(t *queue.Task) error {
			if t.Status != task.Status || t.RemoteJobID != task.RemoteJobID {
				return queue.ErrNoChange
			}
			t.Status = queue.StatusFailed
			t.ErrorReason = fmt.Sprintf("no result within %s on final attempt", e.staleAfter)
			return nil
		})
		if errors.Is(err, queue.ErrNoChange) {
			return nil, false, false, nil
		}
		if err != nil {
			return nil, false, false, err
		}
		current = updated
	}

	if _, err := e.store.Archive(ctx, current.ID); err != nil {
		return nil, false, false, err
	}
	failure := &services.TerminalGenerationFailure{
		TaskID:     current.ID,
		OutputPath: current.OutputPath,
		Attempts:   current.AttemptCount,
		Reason:     current.ErrorReason,
	}
	logging.ErrorWithContext(e.taskLogger(current), "task failed permanently", "task_terminal_failure",
		logging.String("output_path", current.OutputPath),
		logging.String("reason", current.ErrorReason),
		logging.String(logging.FieldErrorHint, "inspect the descriptor and resubmit manually"),
	)
	return failure, false, true, nil
}
