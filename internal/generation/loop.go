package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"reelsmith/internal/logging"
)

// Companion is a background worker that shares the watch loop's lifetime.
type Companion func(ctx context.Context) error

// Loop runs reconcile and retry passes on a fixed interval. Only one loop per
// state directory may run; the lock is a file lock so it also excludes other
// processes.
type Loop struct {
	engine     *Engine
	companions []Companion
	lock       *flock.Flock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop builds a watch loop around engine.
func NewLoop(engine *Engine, companions ...Companion) *Loop {
	return &Loop{
		engine:     engine,
		companions: companions,
		lock:       flock.New(engine.lockPath),
	}
}

// Start acquires the watch lock and launches the ticker and companions.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("watch loop already running")
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire watch lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another watch loop holds %s", l.lock.Path())
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(1 + len(l.companions))
	go l.tickLoop(runCtx)
	for _, companion := range l.companions {
		go func() {
			defer l.wg.Done()
			if err := companion(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.ErrorWithContext(l.engine.logger, "watch companion stopped", "companion_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "restart reconcile --watch"),
				)
			}
		}()
	}
	l.engine.logger.Info("watch loop started", logging.Duration("interval", l.engine.interval))
	return nil
}

// Stop cancels the loop, waits for in-flight passes and releases the lock.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	if err := l.lock.Unlock(); err != nil {
		l.engine.logger.Warn("release watch lock failed", logging.Error(err))
	}
	l.engine.logger.Info("watch loop stopped")
}

// Run starts the loop and blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	l.Stop()
	return nil
}

func (l *Loop) tickLoop(ctx context.Context) {
	defer l.wg.Done()
	interval := l.engine.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pass(ctx)
		}
	}
}

func (l *Loop) pass(ctx context.Context) {
	logger := l.engine.logger
	rec, err := l.engine.ReconcileOnce(ctx)
	if err != nil && ctx.Err() == nil {
		logging.ErrorWithContext(logger, "reconcile pass failed", "reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check task database access"),
		)
	}
	if ctx.Err() != nil {
		return
	}
	retry, err := l.engine.RetryOnce(ctx)
	if err != nil && ctx.Err() == nil {
		logging.ErrorWithContext(logger, "retry pass failed", "retry_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check task database access"),
		)
	}
	if rec.Scanned > 0 || retry.Resubmitted > 0 || retry.Archived > 0 {
		logger.Info("watch pass",
			logging.Int("scanned", rec.Scanned),
			logging.Int("completed", rec.Completed),
			logging.Int("failed", rec.Failed),
			logging.Int("resubmitted", retry.Resubmitted),
			logging.Int("terminal", len(retry.Terminal)),
		)
	}
}
