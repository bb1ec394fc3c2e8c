package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"reelsmith/internal/api"
	"reelsmith/internal/budget"
	"reelsmith/internal/chapter"
	"reelsmith/internal/config"
	"reelsmith/internal/encoding"
	"reelsmith/internal/ffmpeg"
	"reelsmith/internal/logging"
	"reelsmith/internal/media/ffprobe"
	"reelsmith/internal/pipeline"
	"reelsmith/internal/preflight"
	"reelsmith/internal/queue"
)

func newRunPipelineCommand(ctx *commandContext) *cobra.Command {
	var restart bool
	var force bool
	var skipPreflight bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "run-pipeline <chapter>",
		Short: "Assemble a chapter's assets into the finished video",
		Long: `Run-pipeline executes the transition, narration and finish stages for
a chapter. A failed or interrupted run resumes at the stage that did not
complete; --restart discards the saved run and starts over. The run is
refused while generation tasks for the chapter are still pending unless
--force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chapterID := args[0]
			if err := chapter.ValidateID(chapterID); err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			layout, err := ctx.layout()
			if err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd)
			defer cancel()

			if !skipPreflight {
				if err := preflight.Err(preflight.ForPipeline(runCtx, cfg, layout.Dir(chapterID))); err != nil {
					return err
				}
			}

			return ctx.withStore(func(store *queue.Store) error {
				orchestrator, err := buildOrchestrator(cfg, layout, logger, pipeline.WithInputGate(store))
				if err != nil {
					return err
				}
				run, execErr := orchestrator.Execute(runCtx, chapterID, pipeline.RunOptions{Restart: restart, Force: force})
				if run != nil {
					view := api.FromRun(run)
					if jsonOut {
						if err := writeJSON(cmd, view); err != nil {
							return err
						}
					} else {
						printRun(cmd, view)
					}
				}
				return execErr
			})
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "Discard any saved run and start from the first stage")
	cmd.Flags().BoolVar(&force, "force", false, "Run even while generation tasks for the chapter are pending")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip disk space and binary checks")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the run as JSON")
	return cmd
}

func buildOrchestrator(cfg *config.Config, layout chapter.Layout, logger *slog.Logger, extra ...pipeline.Option) (*pipeline.Orchestrator, error) {
	runner := ffmpeg.NewRunner(cfg.FFmpegBinary(), cfg.TranscodeLockPath(), cfg.StageTimeout(), logger)
	stages, err := pipeline.DefaultStages(cfg, runner, ffprobe.Prober{Binary: cfg.FFprobeBinary()})
	if err != nil {
		return nil, err
	}
	logger.Debug("pipeline configured", logging.Int("stages", len(stages)))
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithStageAttempts(cfg.Encoding.StageRetries),
		pipeline.WithProfiles(encoding.NewDetector(cfg, logger)),
		pipeline.WithBudget(budget.New(cfg, logger)),
	}
	return pipeline.New(layout, stages, append(opts, extra...)...), nil
}

func printRun(cmd *cobra.Command, view api.RunView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chapter %s: %s (%.0f%%)\n", view.ChapterID, view.Status, view.Progress*100)
	if view.Encoder != "" {
		fmt.Fprintf(out, "Encoder: %s\n", view.Encoder)
	}
	for i, stage := range view.Stages {
		state := "pending"
		if stage.Done {
			state = "done"
		} else if stage.Error != "" {
			state = "failed: " + stage.Error
		}
		fmt.Fprintf(out, "  %d. %-12s attempts=%d %s\n", i+1, stage.Name, stage.Attempts, state)
	}
	if view.Reason != "" {
		fmt.Fprintf(out, "Reason: %s\n", view.Reason)
	}
	if view.Output != "" {
		fmt.Fprintf(out, "Output: %s\n", view.Output)
	}
}
