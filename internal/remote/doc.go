// Package remote talks to the generation backends that turn task descriptors
// into media files.
//
// Every backend is reduced to the same three calls: Submit hands a descriptor
// to the service and returns a job identifier, Status reports where that job
// is, and Fetch downloads the finished artifact. HTTPClient speaks to an
// asynchronous task service; OpenAISpool adapts the synchronous OpenAI image
// and speech endpoints by spooling results to disk; Router dispatches per
// task kind. WithRetry wraps any of them with per-call timeouts and bounded
// retries for transient faults.
package remote
