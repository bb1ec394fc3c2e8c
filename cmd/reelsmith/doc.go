// Package main hosts the reelsmith CLI entrypoint and command graph.
//
// The Cobra-based command tree submits generation descriptors, drives the
// reconcile and retry passes over the task store, runs the chapter
// transcoding pipeline and reports status. Failures exit with a code per
// failure class so scripts can tell a budget overrun from a rejected
// submission.
//
// Keep this package lean: behavior lives in the internal packages and
// commands only wire configuration, logging and signal handling around them.
package main
