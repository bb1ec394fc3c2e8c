package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"reelsmith/internal/budget"
	"reelsmith/internal/chapter"
	"reelsmith/internal/encoding"
	"reelsmith/internal/logging"
	"reelsmith/internal/services"
)

// Stage produces one artifact from the previous stage's output.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (string, error)
}

// StageInput carries everything a stage needs for one attempt.
type StageInput struct {
	ChapterID string
	Layout    chapter.Layout
	// Previous is the prior stage's output; empty for the first stage.
	Previous string
	Params   encoding.ParameterSet
	Attempt  int
	// Reencode is set when the size budget forces a compression pass.
	Reencode bool
	Logger   *slog.Logger
}

// ProfileSource resolves the encoder profile stages render with.
type ProfileSource interface {
	Detect(ctx context.Context) (encoding.Profile, error)
}

// RunOptions tunes a single Execute call.
type RunOptions struct {
	// Restart discards any persisted run and starts at the first stage.
	Restart bool
	// Force runs even while generation tasks for the chapter are pending.
	Force bool
}

// InputGate reports generation outputs for a chapter that are not settled yet.
type InputGate interface {
	PendingOutputs(ctx context.Context, chapterID string) ([]string, error)
}

// Orchestrator executes the stage list for chapters.
type Orchestrator struct {
	layout     chapter.Layout
	stages     []Stage
	attempts   int
	retryDelay time.Duration
	profiles   ProfileSource
	enforcer   *budget.Enforcer
	gate       InputGate
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStageAttempts bounds attempts per stage. Values below 1 mean one attempt.
func WithStageAttempts(n int) Option {
	return func(o *Orchestrator) { o.attempts = max(n, 1) }
}

// WithRetryDelay sets the base backoff between stage attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryDelay = d }
}

// WithProfiles supplies the encoder profile for stages.
func WithProfiles(src ProfileSource) Option {
	return func(o *Orchestrator) { o.profiles = src }
}

// WithBudget enables size enforcement on the final stage's output.
func WithBudget(enforcer *budget.Enforcer) Option {
	return func(o *Orchestrator) { o.enforcer = enforcer }
}

// WithInputGate refuses runs while gate reports pending inputs.
func WithInputGate(gate InputGate) Option {
	return func(o *Orchestrator) { o.gate = gate }
}

// WithClock overrides the time source for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator for the ordered stages.
func New(layout chapter.Layout, stages []Stage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		layout:     layout,
		stages:     stages,
		attempts:   1,
		retryDelay: time.Second,
		logger:     logging.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.NewComponentLogger(o.logger, "pipeline")
	return o
}

func (o *Orchestrator) checkInputs(ctx context.Context, chapterID string, opts RunOptions) error {
	if o.gate == nil {
		return nil
	}
	pending, err := o.gate.PendingOutputs(ctx, chapterID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "check inputs", "list pending generation tasks", err)
	}
	if len(pending) == 0 {
		return nil
	}
	if opts.Force {
		logging.WithContext(ctx, o.logger).Warn("running with pending generation tasks",
			logging.String(logging.FieldEventType, "pipeline_forced"),
			logging.Int("pending", len(pending)),
		)
		return nil
	}
	return &services.InputsPendingError{ChapterID: chapterID, Pending: pending}
}

// Execute runs or resumes the pipeline for chapterID. A finished run is
// returned untouched unless opts.Restart is set. Failures are reported as a
// *services.PipelineError carrying the stage index and attempt count.
func (o *Orchestrator) Execute(ctx context.Context, chapterID string, opts RunOptions) (*Run, error) {
	if len(o.stages) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "execute", "no stages configured", nil)
	}
	if err := o.layout.Ensure(chapterID); err != nil {
		return nil, err
	}
	ctx = services.WithChapter(ctx, chapterID)

	run, err := o.prepare(chapterID, opts)
	if err != nil {
		return nil, err
	}
	ctx = services.WithRequestID(ctx, run.ID)
	logger := logging.WithContext(ctx, o.logger)
	if run.Status == RunFinished {
		logger.Info("pipeline already finished", logging.String("output", run.FinalOutput()))
		return run, nil
	}
	if err := o.checkInputs(ctx, chapterID, opts); err != nil {
		return nil, err
	}

	resumedAt := run.StageIndex
	run.Status = RunRunning
	run.Reason = ""
	run.logf(o.now(), "run started at stage %d (%s)", run.StageIndex, o.stages[run.StageIndex].Name())
	if err := o.save(run); err != nil {
		return run, err
	}
	logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.Int("stage_index", resumedAt),
		logging.Int("stages", len(o.stages)),
	)

	var params encoding.ParameterSet
	if o.profiles != nil {
		profile, err := o.profiles.Detect(ctx)
		if err != nil {
			return run, o.fail(ctx, run, run.StageIndex, 0, err)
		}
		params = profile.Params
		run.Encoder = profile.Codec
	}

	for i := run.StageIndex; i < len(o.stages); i++ {
		if err := ctx.Err(); err != nil {
			return run, o.cancel(run, i, err)
		}
		output, attempts, err := o.runStage(ctx, run, i, StageInput{
			ChapterID: chapterID,
			Layout:    o.layout,
			Previous:  previousOutput(run, i),
			Params:    params,
		})
		if err != nil {
			if ctx.Err() != nil {
				return run, o.cancel(run, i, ctx.Err())
			}
			return run, o.fail(ctx, run, i, attempts, err)
		}
		run.StageOutputs = append(run.StageOutputs[:i], output)
		run.StageIndex = i + 1
		if err := o.save(run); err != nil {
			return run, err
		}
	}

	if err := o.enforceBudget(ctx, run, chapterID, params); err != nil {
		return run, err
	}

	run.Status = RunFinished
	run.logf(o.now(), "run finished: %s", run.FinalOutput())
	if err := o.save(run); err != nil {
		return run, err
	}
	logger.Info("pipeline finished",
		logging.String(logging.FieldEventType, "pipeline_complete"),
		logging.String("output", run.FinalOutput()),
		logging.Int("resumed_at", resumedAt),
	)
	return run, nil
}

// prepare loads the persisted run or starts a fresh one, rewinding to the
// earliest completed stage whose output has gone missing.
func (o *Orchestrator) prepare(chapterID string, opts RunOptions) (*Run, error) {
	var run *Run
	if !opts.Restart {
		loaded, err := LoadRun(o.layout, chapterID)
		if err != nil {
			return nil, err
		}
		run = loaded
	}
	if run == nil || len(run.Stages) != len(o.stages) {
		return o.freshRun(chapterID), nil
	}
	for i := range run.Stages {
		if run.Stages[i].Name != o.stages[i].Name() {
			return o.freshRun(chapterID), nil
		}
	}
	if run.StageIndex < 0 || run.StageIndex > len(o.stages) {
		return nil, &services.InvalidStateError{Entity: "pipeline run", ID: chapterID,
			Reason: fmt.Sprintf("stage index %d outside 0..%d", run.StageIndex, len(o.stages))}
	}
	if run.Status == RunFinished {
		return run, nil
	}
	if len(run.StageOutputs) > run.StageIndex {
		run.StageOutputs = run.StageOutputs[:run.StageIndex]
	}
	for i, output := range run.StageOutputs {
		if _, err := os.Stat(output); err != nil {
			o.logger.Warn("completed stage output missing, rewinding",
				logging.String(logging.FieldChapterID, chapterID),
				logging.String(logging.FieldStage, run.Stages[i].Name),
				logging.String("output", output),
				logging.String(logging.FieldEventType, "pipeline_rewind"),
				logging.String(logging.FieldErrorHint, "stage outputs were removed from the build directory"),
				logging.String(logging.FieldImpact, "stage will run again"),
			)
			run.StageIndex = i
			run.StageOutputs = run.StageOutputs[:i]
			break
		}
	}
	if run.StageIndex == len(o.stages) {
		// the final stage completed but the budget pass did not
		run.StageIndex = len(o.stages) - 1
		run.StageOutputs = run.StageOutputs[:run.StageIndex]
	}
	return run, nil
}

func (o *Orchestrator) freshRun(chapterID string) *Run {
	now := o.now().UTC()
	run := &Run{
		ID:           uuid.NewString(),
		ChapterID:    chapterID,
		Status:       RunPending,
		StageOutputs: []string{},
		Logs:         []string{},
		CreatedAt:    now,
	}
	for _, stage := range o.stages {
		run.Stages = append(run.Stages, StageState{Name: stage.Name()})
	}
	return run
}

// runStage executes stage i with bounded retries on transient failures.
func (o *Orchestrator) runStage(ctx context.Context, run *Run, i int, in StageInput) (string, int, error) {
	stage := o.stages[i]
	stageCtx := services.WithStage(ctx, stage.Name())
	logger := logging.WithContext(stageCtx, o.logger)
	state := &run.Stages[i]
	started := o.now().UTC()
	state.StartedAt = &started
	state.FinishedAt = nil
	state.Error = ""

	attempts := 0
	var output string
	err := retry.Do(
		func() error {
			attempts++
			state.Attempts++
			in.Attempt = attempts
			in.Logger = logger.With(logging.Int(logging.FieldAttempt, attempts))
			run.logf(o.now(), "stage %s attempt %d", stage.Name(), attempts)
			if err := o.save(run); err != nil {
				return retry.Unrecoverable(err)
			}
			out, err := stage.Run(stageCtx, in)
			if err != nil {
				var stageErr *services.StageExecutionError
				if errors.As(err, &stageErr) {
					run.logTail(o.now(), stage.Name()+":", stageErr.Stderr)
				}
				return err
			}
			output = out
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(o.attempts)),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(services.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logging.WarnWithContext(logger, "stage attempt failed", "stage_retry",
				logging.Int(logging.FieldAttempt, int(n)+1),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "transient transcoder failure; retrying"),
				logging.String(logging.FieldImpact, "stage will be attempted again"),
			)
		}),
	)
	finished := o.now().UTC()
	state.FinishedAt = &finished
	if err != nil {
		state.Error = err.Error()
		return "", attempts, err
	}
	state.Output = output
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("output", output),
		logging.Int("attempts", attempts),
		logging.Duration("stage_duration", finished.Sub(started)),
	)
	return output, attempts, nil
}

func (o *Orchestrator) enforceBudget(ctx context.Context, run *Run, chapterID string, params encoding.ParameterSet) error {
	if o.enforcer == nil {
		return nil
	}
	last := len(o.stages) - 1
	final := o.stages[last]
	reencode := func(ctx context.Context, stepped encoding.ParameterSet) error {
		run.Passes++
		run.logf(o.now(), "compression pass %d", run.Passes)
		attempt := 0
		return retry.Do(
			func() error {
				attempt++
				_, err := final.Run(services.WithStage(ctx, final.Name()), StageInput{
					ChapterID: chapterID,
					Layout:    o.layout,
					Previous:  previousOutput(run, last),
					Params:    stepped,
					Attempt:   attempt,
					Reencode:  true,
					Logger:    o.logger.With(logging.Int(logging.FieldAttempt, attempt)),
				})
				return err
			},
			retry.Context(ctx),
			retry.Attempts(uint(o.attempts)),
			retry.Delay(o.retryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(services.IsTransient),
			retry.OnRetry(func(n uint, err error) {
				logging.WarnWithContext(o.logger, "compression pass attempt failed", "compression_retry",
					logging.Int("pass", run.Passes),
					logging.Int(logging.FieldAttempt, int(n)+1),
					logging.Error(err),
					logging.String(logging.FieldImpact, "compression pass will be attempted again"),
				)
			}),
		)
	}
	report, err := o.enforcer.Enforce(ctx, run.FinalOutput(), params, reencode)
	if err == nil {
		if report.Passes > 0 {
			run.logf(o.now(), "under budget after %d passes (%d bytes)", report.Passes, report.FinalSize)
		}
		return nil
	}
	if ctx.Err() != nil {
		return o.cancel(run, last, ctx.Err())
	}
	var exceeded *services.SizeBudgetExceeded
	if errors.As(err, &exceeded) {
		quarantine(run.FinalOutput())
	}
	return o.fail(ctx, run, last, run.Stages[last].Attempts, err)
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, index, attempts int, cause error) error {
	run.Status = RunFailed
	run.StageIndex = index
	run.StageOutputs = run.StageOutputs[:min(len(run.StageOutputs), index)]
	run.Reason = failureReason(cause)
	stageName := o.stages[index].Name()
	run.logf(o.now(), "stage %s failed after %d attempts: %s", stageName, attempts, run.Reason)
	if err := o.save(run); err != nil {
		o.logger.Error("failed to persist pipeline failure", logging.Error(err))
	}
	logging.ErrorWithContext(logging.WithContext(ctx, o.logger), "pipeline failed", "pipeline_failure",
		logging.String(logging.FieldStage, stageName),
		logging.Int("stage_index", index),
		logging.Int("attempts", attempts),
		logging.String("reason", run.Reason),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "repair the stage input and rerun run-pipeline to resume"),
	)
	return &services.PipelineError{
		ChapterID:  run.ChapterID,
		StageIndex: index,
		Stage:      stageName,
		Attempts:   attempts,
		Reason:     run.Reason,
		Err:        cause,
	}
}

func (o *Orchestrator) cancel(run *Run, index int, cause error) error {
	run.Status = RunCancelled
	run.StageIndex = index
	run.StageOutputs = run.StageOutputs[:min(len(run.StageOutputs), index)]
	run.Reason = "cancelled before stage " + o.stages[index].Name()
	run.logf(o.now(), "%s", run.Reason)
	if err := o.save(run); err != nil {
		o.logger.Error("failed to persist pipeline cancellation", logging.Error(err))
	}
	o.logger.Info("pipeline cancelled",
		logging.String(logging.FieldChapterID, run.ChapterID),
		logging.Int("stage_index", index),
	)
	return &services.PipelineError{
		ChapterID:  run.ChapterID,
		StageIndex: index,
		Stage:      o.stages[index].Name(),
		Attempts:   run.Stages[index].Attempts,
		Reason:     run.Reason,
		Err:        cause,
	}
}

func (o *Orchestrator) save(run *Run) error {
	run.UpdatedAt = o.now().UTC()
	return saveRun(o.layout, run)
}

func previousOutput(run *Run, index int) string {
	if index == 0 || index > len(run.StageOutputs) {
		return ""
	}
	return run.StageOutputs[index-1]
}

func failureReason(err error) string {
	var exceeded *services.SizeBudgetExceeded
	if errors.As(err, &exceeded) {
		return ReasonSizeBudgetExceeded
	}
	return err.Error()
}

// quarantine moves an over-budget render aside so it is never mistaken for
// a finished short.
func quarantine(path string) {
	if path == "" {
		return
	}
	ext := filepath.Ext(path)
	_ = os.Rename(path, path[:len(path)-len(ext)]+".oversize"+ext)
}
