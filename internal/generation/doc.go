// Package generation drives remote generation tasks from submission to an
// archived, verified artifact.
//
// Engine bundles the three actors that share the task store: the submitter
// creates records, the reconciler polls in-flight records and collects
// finished artifacts, and the retry controller resubmits failed or stale
// records until their attempt ceiling. Loop runs reconcile and retry on a
// ticker for watch mode. Every record mutation goes through queue.Store.Update
// with a precondition check, so a poll and a retry racing on the same record
// never both apply.
package generation
