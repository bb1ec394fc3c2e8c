package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"reelsmith/internal/generation"
	"reelsmith/internal/housekeeping"
	"reelsmith/internal/inbox"
	"reelsmith/internal/logging"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var once bool
	var watch bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll in-flight generation tasks and register finished assets",
		Long: `Reconcile polls every submitted or processing task once, downloads
finished artifacts and registers them in their chapter manifest.

With --watch it keeps polling on the configured interval, runs the retry
controller after every pass and picks up descriptor files dropped into the
inbox directory until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if once && watch {
				return errors.New("--once and --watch are mutually exclusive")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			layout, err := ctx.layout()
			if err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd)
			defer cancel()

			return ctx.withEngine(func(engine *generation.Engine, logger *slog.Logger) error {
				watcher := inbox.New(cfg.InboxDir(), layout, engine, logger)
				if watch {
					loop := generation.NewLoop(engine, watcher.Run, housekeeping.Periodic(cfg, logger, time.Hour))
					return loop.Run(runCtx)
				}

				housekeeping.Sweep(runCtx, cfg, logger)

				if n, err := watcher.Sweep(runCtx); err != nil {
					logger.Warn("inbox sweep failed", logging.Error(err))
				} else if n > 0 {
					logger.Info("inbox descriptors processed", logging.Int("count", n))
				}
				report, err := engine.ReconcileOnce(runCtx)
				if err != nil {
					return err
				}
				if jsonOut {
					if err := writeJSON(cmd, reconcileSummary(report)); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(),
						"Scanned %d: %d pending, %d running, %d completed, %d failed, %d skipped\n",
						report.Scanned, report.Pending, report.Running, report.Completed, report.Failed, report.Skipped)
				}
				return report.Err()
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single reconcile pass (default)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep reconciling until interrupted")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the pass summary as JSON")
	return cmd
}

func reconcileSummary(r generation.ReconcileReport) map[string]int {
	return map[string]int{
		"scanned":   r.Scanned,
		"pending":   r.Pending,
		"running":   r.Running,
		"completed": r.Completed,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
		"errors":    len(r.Errors),
	}
}

func newRetryFailedCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Resubmit failed and stale tasks that still have attempts left",
		Long: `Retry-failed resubmits failed records and in-flight records older than
the staleness threshold. Records out of attempts are archived and reported as
terminal failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd)
			defer cancel()
			return ctx.withEngine(func(engine *generation.Engine, _ *slog.Logger) error {
				report, err := engine.RetryOnce(runCtx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Resubmitted %d, archived %d, terminal %d\n",
					report.Resubmitted, report.Archived, len(report.Terminal))
				for _, failure := range report.Terminal {
					fmt.Fprintf(out, "  %s\n", failure.Error())
				}
				return report.Err()
			})
		},
	}
	return cmd
}
