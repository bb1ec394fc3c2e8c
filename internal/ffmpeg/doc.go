// Package ffmpeg invokes the transcoding tool for pipeline stages.
//
// Runner serializes every invocation on the machine: an in-process mutex
// orders goroutines and a file lock under the state directory orders
// processes, because hardware encoder sessions are not time sliced. Output is
// written to a hidden partial file and renamed into place only after a clean
// exit, so a failed or cancelled stage never leaves a file at its output path.
package ffmpeg
