package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

type flakyGenerator struct {
	submitErrs []error
	calls      int
	block      bool
	released   []string
}

func (f *flakyGenerator) Submit(ctx context.Context, _ queue.Descriptor) (string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}
	return "job", nil
}

func (f *flakyGenerator) Status(context.Context, string) (JobStatus, error) {
	return JobStatus{State: JobPending}, nil
}

func (f *flakyGenerator) Fetch(context.Context, string) ([]byte, error) { return nil, nil }

func (f *flakyGenerator) Release(_ context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	transient := services.Wrap(services.ErrTransient, "remote", "submit", "503", nil)
	inner := &flakyGenerator{submitErrs: []error{transient, transient}}
	gen := WithRetry(inner, RetryPolicy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	id, err := gen.Submit(context.Background(), imageDescriptor())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job" || inner.calls != 3 {
		t.Fatalf("id=%q calls=%d", id, inner.calls)
	}

	rejected := services.Wrap(services.ErrValidation, "remote", "submit", "400", nil)
	inner = &flakyGenerator{submitErrs: []error{rejected}}
	gen = WithRetry(inner, RetryPolicy{Retries: 5, BaseDelay: time.Millisecond})
	if _, err := gen.Submit(context.Background(), imageDescriptor()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("validation error retried %d times", inner.calls)
	}
}

func TestWithRetryAppliesTimeout(t *testing.T) {
	inner := &flakyGenerator{block: true}
	gen := WithRetry(inner, RetryPolicy{Timeout: 20 * time.Millisecond, Retries: 1, BaseDelay: time.Millisecond})

	_, err := gen.Submit(context.Background(), imageDescriptor())
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
}

func TestWithRetryForwardsRelease(t *testing.T) {
	inner := &flakyGenerator{}
	gen := WithRetry(inner, RetryPolicy{})
	rel, ok := gen.(Releaser)
	if !ok {
		t.Fatal("decorator does not expose Release")
	}
	if err := rel.Release(context.Background(), "job"); err != nil {
		t.Fatal(err)
	}
	if len(inner.released) != 1 {
		t.Fatalf("released = %v", inner.released)
	}
}

func TestWithRetryReusesIdempotencyKeyAcrossSubmitRetries(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n == 1 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"job-7"}`))
	}))
	defer srv.Close()

	gen := WithRetry(NewHTTPClient(HTTPConfig{BaseURL: srv.URL}), RetryPolicy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	if _, err := gen.Submit(context.Background(), imageDescriptor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := gen.Submit(context.Background(), imageDescriptor()); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 3 {
		t.Fatalf("requests = %d, want 3", len(keys))
	}
	if keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("retry changed idempotency key: %q then %q", keys[0], keys[1])
	}
	if keys[2] == keys[0] {
		t.Fatalf("separate submissions shared key %q", keys[2])
	}
}

func TestWithRetryKeepsCallerIdempotencyKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"task_id":"job-8"}`))
	}))
	defer srv.Close()

	gen := WithRetry(NewHTTPClient(HTTPConfig{BaseURL: srv.URL}), RetryPolicy{BaseDelay: time.Millisecond})
	ctx := services.WithIdempotencyKey(context.Background(), "task-1/2")
	if _, err := gen.Submit(ctx, imageDescriptor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got != "task-1/2" {
		t.Fatalf("idempotency key = %q", got)
	}
}
