package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"reelsmith/internal/api"
	"reelsmith/internal/preflight"
	"reelsmith/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var chapterID string
	var archived int
	var skipChecks bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task, pipeline and environment status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := ctx.layout()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd)
			defer cancel()

			var report api.StatusReport
			err = ctx.withStore(func(store *queue.Store) error {
				var collectErr error
				report, collectErr = api.Collect(runCtx, api.CollectRequest{
					Store:         store,
					Layout:        layout,
					ArchivedLimit: archived,
					ChapterID:     chapterID,
				})
				return collectErr
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderStatusReport(report))
			if !skipChecks {
				fmt.Fprintln(out, renderEnvironment(preflight.RunAll(runCtx, cfg), shouldColorize(out)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the status report as JSON")
	cmd.Flags().StringVar(&chapterID, "chapter", "", "Restrict the report to one chapter")
	cmd.Flags().IntVar(&archived, "archived", 10, "Number of archived tasks to include")
	cmd.Flags().BoolVar(&skipChecks, "no-checks", false, "Skip environment checks")
	return cmd
}

func renderStatusReport(report api.StatusReport) string {
	var b strings.Builder

	countRows := make([][]string, 0, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		key := string(status)
		countRows = append(countRows, []string{key, strconv.Itoa(report.Active[key]), strconv.Itoa(report.Archived[key])})
	}
	b.WriteString(renderTable("Tasks", []column{left("Status"), right("Active"), right("Archived")}, countRows))
	b.WriteString("\n")

	if len(report.Tasks) > 0 {
		rows := make([][]string, 0, len(report.Tasks))
		for _, task := range report.Tasks {
			rows = append(rows, []string{
				shortID(task.ID),
				task.Kind,
				task.ChapterID,
				task.Status,
				fmt.Sprintf("%d/%d", task.Attempt, task.MaxAttempts),
				truncate(task.Error, 48),
			})
		}
		b.WriteString(renderTable("", []column{left("ID"), left("Kind"), left("Chapter"), left("Status"), right("Attempts"), left("Error")}, rows))
		b.WriteString("\n")
	}

	if len(report.Runs) > 0 {
		rows := make([][]string, 0, len(report.Runs))
		for _, run := range report.Runs {
			rows = append(rows, []string{
				run.ChapterID,
				run.Status,
				run.Stage,
				fmt.Sprintf("%.0f%%", run.Progress*100),
				run.Encoder,
				truncate(run.Reason, 48),
			})
		}
		b.WriteString(renderTable("Pipelines", []column{left("Chapter"), left("Status"), left("Stage"), right("Progress"), left("Encoder"), left("Reason")}, rows))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
