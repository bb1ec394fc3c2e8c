// Package chapter owns the on-disk namespace of a chapter: its directory
// layout and the manifest of media assets the chapter references.
//
// Assets are immutable once written. Regenerating an image or narration
// track produces a new file and Register swaps the manifest reference for
// the same (kind, ordinal) slot atomically, under a per-chapter file lock so
// concurrent reconcilers and pipeline runs never interleave manifest writes.
package chapter
