package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

// RetryPolicy bounds every remote call made through WithRetry.
type RetryPolicy struct {
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *slog.Logger
}

type retryingGenerator struct {
	inner  Generator
	policy RetryPolicy
}

// WithRetry decorates gen so each call runs under policy.Timeout and is
// retried up to policy.Retries times when the failure is transient.
func WithRetry(gen Generator, policy RetryPolicy) Generator {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	if policy.Logger == nil {
		policy.Logger = logging.NewNop()
	}
	return &retryingGenerator{inner: gen, policy: policy}
}

// Submit keeps one idempotency key across every retry of the call so the
// service can drop a repeated POST whose first delivery timed out.
func (r *retryingGenerator) Submit(ctx context.Context, desc queue.Descriptor) (string, error) {
	if _, ok := services.IdempotencyKeyFromContext(ctx); !ok {
		ctx = services.WithIdempotencyKey(ctx, uuid.NewString())
	}
	var jobID string
	err := r.do(ctx, "submit", func(callCtx context.Context) error {
		id, err := r.inner.Submit(callCtx, desc)
		jobID = id
		return err
	})
	return jobID, err
}

func (r *retryingGenerator) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	err := r.do(ctx, "status", func(callCtx context.Context) error {
		st, err := r.inner.Status(callCtx, jobID)
		status = st
		return err
	})
	return status, err
}

func (r *retryingGenerator) Fetch(ctx context.Context, jobID string) ([]byte, error) {
	var payload []byte
	err := r.do(ctx, "fetch", func(callCtx context.Context) error {
		data, err := r.inner.Fetch(callCtx, jobID)
		payload = data
		return err
	})
	return payload, err
}

func (r *retryingGenerator) Release(ctx context.Context, jobID string) error {
	if rel, ok := r.inner.(Releaser); ok {
		return rel.Release(ctx, jobID)
	}
	return nil
}

func (r *retryingGenerator) do(ctx context.Context, op string, call func(context.Context) error) error {
	attempt := func() error {
		callCtx := ctx
		if r.policy.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
			defer cancel()
		}
		err := call(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, "remote", op, "call exceeded "+r.policy.Timeout.String(), err)
		}
		return err
	}

	return retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(uint(r.policy.Retries+1)),
		retry.Delay(r.policy.BaseDelay),
		retry.MaxDelay(r.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(services.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			r.policy.Logger.Debug("retrying remote call",
				logging.String("operation", op),
				logging.Int("attempt", int(n)+1),
				logging.Error(err),
			)
		}),
	)
}
