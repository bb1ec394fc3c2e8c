// Package ffprobe wraps the ffprobe binary to read durations and stream
// layout of narration audio, generated clips and finished shorts.
package ffprobe
