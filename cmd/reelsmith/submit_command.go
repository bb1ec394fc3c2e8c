package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"reelsmith/internal/api"
	"reelsmith/internal/generation"
	"reelsmith/internal/inbox"
	"reelsmith/internal/logging"
	"reelsmith/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <descriptor.json>...",
		Short: "Submit generation descriptors to the remote service",
		Long: `Submit reads each descriptor file and hands it to the configured
generation backend. A relative output_path is placed in the chapter's asset
directory for the descriptor kind.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := ctx.layout()
			if err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd)
			defer cancel()

			return ctx.withEngine(func(engine *generation.Engine, logger *slog.Logger) error {
				var (
					views []api.TaskView
					errs  []error
				)
				for _, path := range args {
					desc, err := inbox.ReadDescriptor(path, layout)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", path, err))
						continue
					}
					task, err := engine.Submit(runCtx, desc)
					if task != nil {
						views = append(views, api.FromTask(task))
					}
					if err != nil {
						logger.Warn("submission failed",
							logging.String("descriptor", path),
							logging.Error(err),
						)
						errs = append(errs, fmt.Errorf("%s: %w", path, err))
					}
				}
				if jsonOut {
					if err := writeJSON(cmd, views); err != nil {
						return err
					}
				} else {
					printSubmitted(cmd, views)
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output submitted records as JSON")
	return cmd
}

func printSubmitted(cmd *cobra.Command, views []api.TaskView) {
	out := cmd.OutOrStdout()
	for _, view := range views {
		if view.Status == string(queue.StatusFailed) {
			fmt.Fprintf(out, "%s %s rejected: %s\n", view.ID, view.OutputPath, view.Error)
			continue
		}
		fmt.Fprintf(out, "%s %s submitted as %s\n", view.ID, view.OutputPath, view.RemoteJobID)
	}
}
