package testsupport

import (
	"context"
	"fmt"
	"sync"

	"reelsmith/internal/queue"
	"reelsmith/internal/remote"
	"reelsmith/internal/services"
)

// FakeGenerator is a scriptable remote.Generator. Submit errors are consumed
// in order; each job reports the scripted statuses in order and then repeats
// the last one.
type FakeGenerator struct {
	mu sync.Mutex

	SubmitErrors []error
	Statuses     map[string][]remote.JobStatus
	DefaultState []remote.JobStatus
	StatusErr    error
	Payload      []byte
	FetchErr     error

	SubmitCalls int
	StatusCalls int
	FetchCalls  int
	Submitted   []queue.Descriptor
	Released    []string
	// Keys holds the idempotency key of every Submit call, "" when absent.
	Keys []string

	nextID int
}

// NewFakeGenerator returns a generator whose jobs succeed immediately with payload.
func NewFakeGenerator(payload []byte) *FakeGenerator {
	return &FakeGenerator{
		Statuses:     make(map[string][]remote.JobStatus),
		DefaultState: []remote.JobStatus{{State: remote.JobSucceeded}},
		Payload:      payload,
	}
}

// Submit records desc and returns the next job identifier.
func (f *FakeGenerator) Submit(ctx context.Context, desc queue.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	key, _ := services.IdempotencyKeyFromContext(ctx)
	f.Keys = append(f.Keys, key)
	if len(f.SubmitErrors) > 0 {
		err := f.SubmitErrors[0]
		f.SubmitErrors = f.SubmitErrors[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.Submitted = append(f.Submitted, desc)
	if _, ok := f.Statuses[id]; !ok {
		f.Statuses[id] = append([]remote.JobStatus(nil), f.DefaultState...)
	}
	return id, nil
}

// Status pops the next scripted status for jobID.
func (f *FakeGenerator) Status(_ context.Context, jobID string) (remote.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return remote.JobStatus{}, f.StatusErr
	}
	script := f.Statuses[jobID]
	if len(script) == 0 {
		return remote.JobStatus{State: remote.JobFailed, Reason: "unknown job"}, nil
	}
	status := script[0]
	if len(script) > 1 {
		f.Statuses[jobID] = script[1:]
	}
	return status, nil
}

// Fetch returns the configured payload.
func (f *FakeGenerator) Fetch(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return append([]byte(nil), f.Payload...), nil
}

// Release records jobID.
func (f *FakeGenerator) Release(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Released = append(f.Released, jobID)
	return nil
}

// Script replaces the status sequence for jobID.
func (f *FakeGenerator) Script(jobID string, statuses ...remote.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[jobID] = statuses
}

// Counts returns the submit, status and fetch call counts.
func (f *FakeGenerator) Counts() (submit, status, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubmitCalls, f.StatusCalls, f.FetchCalls
}

// PNGPayload is a minimal byte sequence recognized as image/png.
var PNGPayload = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")
