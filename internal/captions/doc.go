// Package captions turns a narration span and its spoken duration into timed
// caption lines and renders them as an Advanced SubStation Alpha track.
//
// Segmentation runs in tiers: sentences first, then clauses at secondary
// punctuation, then ranked natural break points, and finally a hard split for
// a single token wider than the line bound. Line timing is proportional to
// each line's non-space character count, so the last line always ends exactly
// at the span's duration.
package captions
