// Package queue persists generation task records in SQLite and exposes the
// operations that drive their lifecycle.
//
// Active records live in the tasks table and terminal records are moved to
// archived_tasks, so the active scan never re-reads them. Every mutation goes
// through Update, which validates the status transition and writes with a
// compare-and-swap on the row version. A retry and a poll racing on the same
// record therefore never lose an update.
//
// The database is treated as the single source of truth for task state. Schema
// changes bump the version in schema.go; users clear the database to adopt the
// new schema.
package queue
