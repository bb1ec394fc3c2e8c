package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reelsmith/internal/services"
)

// NewTask describes a record to create. Status must be submitted (the remote
// accepted the job) or failed (submission was attempted and rejected).
type NewTask struct {
	Descriptor  Descriptor
	Status      Status
	RemoteJobID string
	ErrorReason string
	MaxAttempts int
}

// Create inserts a record for its first attempt. It fails with a
// DuplicateTaskError when an in-flight record already targets the same
// output path.
func (s *Store) Create(ctx context.Context, req NewTask) (*Task, error) {
	if err := req.Descriptor.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "queue", "create", "invalid descriptor", err)
	}
	if req.MaxAttempts < 1 {
		return nil, services.Wrap(services.ErrValidation, "queue", "create", "max_attempts must be positive", nil)
	}
	switch req.Status {
	case StatusSubmitted:
		if req.RemoteJobID == "" {
			return nil, &services.InvalidStateError{Entity: "task", To: string(req.Status), Reason: "submitted task requires a remote job id"}
		}
	case StatusFailed:
	default:
		return nil, &services.InvalidStateError{Entity: "task", To: string(req.Status), Reason: "new tasks start submitted or failed"}
	}

	descriptorJSON, err := encodeDescriptor(req.Descriptor)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	task := &Task{
		ID:           uuid.NewString(),
		Kind:         req.Descriptor.Kind,
		Descriptor:   req.Descriptor.Clone(),
		OutputPath:   req.Descriptor.OutputPath,
		ChapterID:    req.Descriptor.ChapterID,
		Ordinal:      req.Descriptor.Ordinal,
		Status:       req.Status,
		RemoteJobID:  req.RemoteJobID,
		AttemptCount: 1,
		MaxAttempts:  req.MaxAttempts,
		ErrorReason:  req.ErrorReason,
		CreatedAt:    now,
		UpdatedAt:    now,
		SubmittedAt:  now,
		Version:      1,
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		string(task.Kind),
		descriptorJSON,
		task.OutputPath,
		nullableString(task.ChapterID),
		task.Ordinal,
		string(task.Status),
		nullableString(task.RemoteJobID),
		task.AttemptCount,
		task.MaxAttempts,
		nullableString(task.ErrorReason),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		formatTime(task.SubmittedAt),
		nil,
		task.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, s.duplicateError(ctx, task.OutputPath)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *Store) duplicateError(ctx context.Context, outputPath string) error {
	dup := &services.DuplicateTaskError{OutputPath: outputPath}
	if existing, err := s.FindActiveByOutput(ctx, outputPath); err == nil && existing != nil {
		dup.ExistingID = existing.ID
	}
	return dup
}

// Get returns a record from the active set or, failing that, the archive.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	ctx = ensureContext(ctx)
	task, err := s.getActive(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+`, archived_at FROM archived_tasks WHERE id = ?`, id)
	task, err = scanTask(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get archived task: %w", err)
	}
	return task, nil
}

func (s *Store) getActive(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListActive returns every non-archived record. Callers must not rely on the order.
func (s *Store) ListActive(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

// ListActiveByStatus returns non-archived records in the given statuses.
func (s *Store) ListActiveByStatus(ctx context.Context, statuses ...Status) ([]*Task, error) {
	if len(statuses) == 0 {
		return s.ListActive(ctx)
	}
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+makePlaceholders(len(statuses))+`) ORDER BY created_at`,
		args...)
}

// FindActiveByOutput returns the in-flight record targeting outputPath, or nil.
func (s *Store) FindActiveByOutput(ctx context.Context, outputPath string) (*Task, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE output_path = ? AND status IN (?, ?) LIMIT 1`,
		outputPath, string(StatusSubmitted), string(StatusProcessing))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// FindBlockingByOutput returns the record that owns outputPath for new
// submissions: an in-flight record, or a failed one that the retry
// controller will still resubmit. In-flight records win when both exist.
func (s *Store) FindBlockingByOutput(ctx context.Context, outputPath string) (*Task, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE output_path = ?
		   AND (status IN (?, ?) OR (status = ? AND attempt_count < max_attempts))
		 ORDER BY CASE status WHEN ? THEN 1 ELSE 0 END, created_at
		 LIMIT 1`,
		outputPath, string(StatusSubmitted), string(StatusProcessing), string(StatusFailed), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// PendingOutputs lists the output paths of chapterID's records that may
// still produce a file: in-flight records and failed ones with attempts left.
func (s *Store) PendingOutputs(ctx context.Context, chapterID string) ([]string, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE chapter_id = ?
		   AND (status IN (?, ?) OR (status = ? AND attempt_count < max_attempts))
		 ORDER BY ordinal, created_at`,
		chapterID, string(StatusSubmitted), string(StatusProcessing), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	outputs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		outputs = append(outputs, task.OutputPath)
	}
	return outputs, nil
}

// ListArchived returns the most recently archived records, newest first.
func (s *Store) ListArchived(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`, archived_at FROM archived_tasks ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows, true)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows, false)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update applies mutation to the current record and persists the result.
// The mutation receives a copy; returning ErrNoChange aborts without
// writing. The write is a compare-and-swap on the row version and is retried
// with a fresh read when another writer got there first.
func (s *Store) Update(ctx context.Context, id string, mutation func(*Task) error) (*Task, error) {
	ctx = ensureContext(ctx)
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.getActive(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if archived, getErr := s.Get(ctx, id); getErr == nil && archived.IsArchived() {
					return archived, &services.InvalidStateError{Entity: "task", ID: id, From: string(archived.Status), Reason: "archived tasks are immutable"}
				}
			}
			return nil, err
		}

		next := current.Clone()
		if err := mutation(next); err != nil {
			return current, err
		}
		if err := ValidateTransition(current, next); err != nil {
			return current, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.timestamp()

		descriptorJSON, err := encodeDescriptor(next.Descriptor)
		if err != nil {
			return current, err
		}
		res, err := s.execWithRetry(
			ctx,
			`UPDATE tasks SET
                input_descriptor = ?, chapter_id = ?, ordinal = ?, status = ?, remote_job_id = ?,
                attempt_count = ?, error_reason = ?, updated_at = ?, submitted_at = ?,
                last_checked_at = ?, version = ?
             WHERE id = ? AND version = ?`,
			descriptorJSON,
			nullableString(next.ChapterID),
			next.Ordinal,
			string(next.Status),
			nullableString(next.RemoteJobID),
			next.AttemptCount,
			nullableString(next.ErrorReason),
			formatTime(next.UpdatedAt),
			formatTime(next.SubmittedAt),
			nullableTime(next.LastCheckedAt),
			next.Version,
			current.ID,
			current.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return current, s.duplicateError(ctx, current.OutputPath)
			}
			return current, fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return current, fmt.Errorf("update task rows: %w", err)
		}
		if affected == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

// Archive moves a terminal record into the archive namespace.
func (s *Store) Archive(ctx context.Context, id string) (*Task, error) {
	ctx = ensureContext(ctx)
	unlock := s.locks.Lock(id)
	defer unlock()

	var archived *Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		task, err := scanTask(row, false)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read task for archive: %w", err)
		}
		if !task.IsTerminal() {
			return &services.InvalidStateError{Entity: "task", ID: id, From: string(task.Status), Reason: "only completed or failed tasks can be archived"}
		}

		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_tasks (`+taskColumns+`, archived_at)
             SELECT `+taskColumns+`, ? FROM tasks WHERE id = ? AND version = ?`,
			formatTime(now), id, task.Version,
		); err != nil {
			return fmt.Errorf("copy task to archive: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND version = ?`, id, task.Version)
		if err != nil {
			return fmt.Errorf("delete archived task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit archive: %w", err)
		}
		task.ArchivedAt = &now
		archived = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// Stats summarizes record counts per status.
type Stats struct {
	Active   map[Status]int
	Archived map[Status]int
}

// Stats returns record counts for the active and archived namespaces.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	stats := Stats{Active: make(map[Status]int), Archived: make(map[Status]int)}
	for table, dest := range map[string]map[Status]int{"tasks": stats.Active, "archived_tasks": stats.Archived} {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
		if err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", table, err)
		}
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return Stats{}, err
			}
			dest[ParseStatus(status)] += count
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

// MarkChecked records a poll that left the status unchanged.
func (s *Store) MarkChecked(ctx context.Context, id string, at time.Time) (*Task, error) {
	return s.Update(ctx, id, func(t *Task) error {
		checked := at.UTC()
		t.LastCheckedAt = &checked
		return nil
	})
}
