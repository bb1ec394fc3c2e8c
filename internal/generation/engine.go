package generation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reelsmith/internal/chapter"
	"reelsmith/internal/config"
	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
	"reelsmith/internal/remote"
)

// DurationProber measures media durations for registered audio and video assets.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Engine owns the submit, reconcile and retry operations over one store.
type Engine struct {
	store       *queue.Store
	gen         remote.Generator
	layout      chapter.Layout
	prober      DurationProber
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	concurrency int
	staleAfter  time.Duration
	interval    time.Duration
	lockPath    string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source used for staleness and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithProber enables duration probing of registered audio and video assets.
func WithProber(prober DurationProber) Option {
	return func(e *Engine) {
		e.prober = prober
	}
}

// NewEngine constructs an engine from configuration.
func NewEngine(cfg *config.Config, store *queue.Store, gen remote.Generator, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		gen:         gen,
		layout:      chapter.NewLayout(cfg.ChaptersDir()),
		logger:      logging.NewNop(),
		now:         time.Now,
		maxAttempts: cfg.Tasks.MaxAttempts,
		concurrency: cfg.Tasks.Concurrency,
		staleAfter:  cfg.StaleAfter(),
		interval:    cfg.PollInterval(),
		lockPath:    cfg.WatchLockPath(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	e.logger = logging.NewComponentLogger(e.logger, "generation")
	return e
}

// forEach runs fn for every task with at most e.concurrency in flight. Per-task
// errors are collected rather than cancelling siblings.
func (e *Engine) forEach(ctx context.Context, tasks []*queue.Task, fn func(context.Context, *queue.Task) error) []error {
	return bounded(ctx, e.concurrency, tasks, fn)
}

func bounded[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) []error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(gctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (e *Engine) taskLogger(task *queue.Task) *slog.Logger {
	return e.logger.With(
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldRemoteJobID, task.RemoteJobID),
		logging.Int(logging.FieldAttempt, task.AttemptCount),
	)
}

func (e *Engine) release(ctx context.Context, jobID string) {
	rel, ok := e.gen.(remote.Releaser)
	if !ok || jobID == "" {
		return
	}
	if err := rel.Release(ctx, jobID); err != nil {
		e.logger.Debug("release remote artifact failed", logging.String(logging.FieldRemoteJobID, jobID), logging.Error(err))
	}
}
