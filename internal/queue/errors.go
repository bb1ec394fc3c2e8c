package queue

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no record matches the identifier.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a compare-and-swap kept losing to concurrent writers.
	ErrConflict = errors.New("task update conflict")
	// ErrNoChange lets a mutation abort an update without writing.
	ErrNoChange = errors.New("no change")
)

const (
	sqliteBusyCode       = 5
	sqliteConstraintCode = 19
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteConstraintCode {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
