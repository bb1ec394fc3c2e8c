package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const taskColumns = "id, kind, input_descriptor, output_path, chapter_id, ordinal, status, remote_job_id, attempt_count, max_attempts, error_reason, created_at, updated_at, submitted_at, last_checked_at, version"

func scanTask(scanner interface{ Scan(dest ...any) error }, archived bool) (*Task, error) {
	var (
		id             string
		kind           string
		descriptorRaw  string
		outputPath     string
		chapterID      sql.NullString
		ordinal        int
		statusStr      string
		remoteJobID    sql.NullString
		attemptCount   int
		maxAttempts    int
		errorReason    sql.NullString
		createdRaw     string
		updatedRaw     string
		submittedRaw   sql.NullString
		lastCheckedRaw sql.NullString
		version        int64
		archivedRaw    sql.NullString
	)
	dest := []any{
		&id,
		&kind,
		&descriptorRaw,
		&outputPath,
		&chapterID,
		&ordinal,
		&statusStr,
		&remoteJobID,
		&attemptCount,
		&maxAttempts,
		&errorReason,
		&createdRaw,
		&updatedRaw,
		&submittedRaw,
		&lastCheckedRaw,
		&version,
	}
	if archived {
		dest = append(dest, &archivedRaw)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	task := &Task{
		ID:           id,
		Kind:         Kind(kind),
		OutputPath:   outputPath,
		ChapterID:    chapterID.String,
		Ordinal:      ordinal,
		Status:       ParseStatus(statusStr),
		RemoteJobID:  remoteJobID.String,
		AttemptCount: attemptCount,
		MaxAttempts:  maxAttempts,
		ErrorReason:  errorReason.String,
		Version:      version,
	}
	if err := json.Unmarshal([]byte(descriptorRaw), &task.Descriptor); err != nil {
		return nil, fmt.Errorf("decode descriptor for task %s: %w", id, err)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		task.UpdatedAt = updated
	}
	if submitted, err := parseTimeString(submittedRaw.String); err == nil {
		task.SubmittedAt = submitted
	}
	if lastCheckedRaw.Valid {
		if checked, err := parseTimeString(lastCheckedRaw.String); err == nil {
			task.LastCheckedAt = &checked
		}
	}
	if archivedRaw.Valid {
		if archivedAt, err := parseTimeString(archivedRaw.String); err == nil {
			task.ArchivedAt = &archivedAt
		}
	}
	return task, nil
}

func encodeDescriptor(d Descriptor) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
