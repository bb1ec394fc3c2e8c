package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// taskSchemaVersion is stamped into SQLite's user_version header field.
// Databases written by another version are refused rather than migrated.
const taskSchemaVersion = 1

// ErrSchemaMismatch reports a task database written with a different layout.
var ErrSchemaMismatch = errors.New("task database schema mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	var stamped int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stamped); err != nil {
		return fmt.Errorf("read task schema version: %w", err)
	}
	switch stamped {
	case taskSchemaVersion:
		return nil
	case 0:
		return s.stampSchema(ctx)
	default:
		return fmt.Errorf("%w: %s is at version %d, this build expects %d; remove the file to start over",
			ErrSchemaMismatch, s.path, stamped, taskSchemaVersion)
	}
}

// stampSchema applies the DDL and the version stamp in one transaction so a
// crash never leaves tables without a version.
func (s *Store) stampSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply task schema: %w", err)
	}
	// PRAGMA arguments cannot be bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", taskSchemaVersion)); err != nil {
		return fmt.Errorf("stamp task schema: %w", err)
	}
	return tx.Commit()
}
