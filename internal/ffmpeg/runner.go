package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"reelsmith/internal/fileutil"
	"reelsmith/internal/logging"
	"reelsmith/internal/services"
)

const stderrTailLines = 20

// permanentPatterns mark stderr output that no retry will fix.
var permanentPatterns = []string{
	"No such file or directory",
	"Invalid argument",
	"Unknown encoder",
	"Unrecognized option",
	"Invalid data found",
}

// Invocation describes one transcoding call. Args are the full argument list
// minus the output path, which the runner appends.
type Invocation struct {
	Stage   string
	Inputs  []string
	Args    []string
	Output  string
	Timeout time.Duration
}

// Result reports a finished invocation.
type Result struct {
	Output     string
	SizeBytes  int64
	Elapsed    time.Duration
	StderrTail string
}

// Executor runs the tool; tests replace it.
type Executor func(ctx context.Context, binary string, args []string) (stderr string, exitCode int, err error)

// Runner executes invocations one at a time.
type Runner struct {
	binary  string
	lock    *flock.Flock
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
	mu      sync.Mutex
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithExecutor replaces process execution.
func WithExecutor(fn Executor) RunnerOption {
	return func(r *Runner) { r.exec = fn }
}

// NewRunner builds a runner for binary guarded by the lock file at lockPath.
func NewRunner(binary, lockPath string, timeout time.Duration, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		binary:  binary,
		lock:    flock.New(lockPath),
		timeout: timeout,
		exec:    execTool,
		logger:  logging.NewComponentLogger(logger, "ffmpeg"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv. Missing inputs and tool failures are returned as
// StageExecutionErrors classified transient or permanent.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	for _, input := range inv.Inputs {
		if _, err := os.Stat(input); err != nil {
			return Result{}, &services.StageExecutionError{Stage: inv.Stage, ExitCode: -1, Transient: false,
				Err: fmt.Errorf("input %s: %w", input, err)}
		}
	}
	if err := os.MkdirAll(filepath.Dir(inv.Output), 0o755); err != nil {
		return Result{}, &services.StageExecutionError{Stage: inv.Stage, ExitCode: -1, Transient: true, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("transcode lock %s not acquired", r.lock.Path())
	}
	defer func() { _ = r.lock.Unlock() }()

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	partial := fileutil.PartialPath(inv.Output)
	_ = os.Remove(partial)
	args := append(append([]string{"-hide_banner", "-nostdin", "-y"}, inv.Args...), partial)

	logger := r.logger.With(logging.String(logging.FieldStage, inv.Stage))
	logger.Debug("transcode starting", logging.String("output", inv.Output), logging.Any("args", args))
	start := time.Now()
	stderr, code, runErr := r.exec(runCtx, r.binary, args)
	elapsed := time.Since(start)
	tail := tailLines(stderr, stderrTailLines)

	if runErr != nil {
		_ = os.Remove(partial)
		if ctx.Err() != nil {
			return Result{StderrTail: tail}, ctx.Err()
		}
		stageErr := &services.StageExecutionError{Stage: inv.Stage, ExitCode: code, Stderr: tail, Err: runErr}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			stageErr.Transient = true
			stageErr.Err = services.Wrap(services.ErrTimeout, "ffmpeg", inv.Stage, "exceeded "+timeout.String(), runErr)
		} else {
			stageErr.Transient = Classify(stderr)
		}
		return Result{StderrTail: tail, Elapsed: elapsed}, stageErr
	}

	info, err := os.Stat(partial)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(partial)
		return Result{StderrTail: tail}, &services.StageExecutionError{Stage: inv.Stage, Stderr: tail, Transient: true,
			Err: errors.New("transcoder exited cleanly without producing output")}
	}
	if err := os.Rename(partial, inv.Output); err != nil {
		_ = os.Remove(partial)
		return Result{StderrTail: tail}, &services.StageExecutionError{Stage: inv.Stage, Stderr: tail, Transient: true, Err: err}
	}
	logger.Info("transcode finished",
		logging.String("output", inv.Output),
		logging.Int64("size_bytes", info.Size()),
		logging.Duration("elapsed", elapsed),
	)
	return Result{Output: inv.Output, SizeBytes: info.Size(), Elapsed: elapsed, StderrTail: tail}, nil
}

// Classify reports whether a failure with this stderr is worth retrying.
func Classify(stderr string) bool {
	for _, pattern := range permanentPatterns {
		if strings.Contains(stderr, pattern) {
			return false
		}
	}
	return true
}

func execTool(ctx context.Context, binary string, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	return stderr.String(), code, err
}

func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
