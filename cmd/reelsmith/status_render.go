package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"reelsmith/internal/preflight"
)

// renderEnvironment tabulates preflight results, coloring the verdict when
// the output is a terminal.
func renderEnvironment(results []preflight.Result, colorize bool) string {
	pass, fail := text.Colors{text.FgGreen}, text.Colors{text.FgRed, text.Bold}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		verdict, colors := "ok", pass
		if !r.Passed {
			verdict, colors = "FAIL", fail
		}
		if colorize {
			verdict = colors.Sprint(verdict)
		}
		rows = append(rows, []string{r.Name, verdict, truncate(r.Detail, 60)})
	}
	return renderTable("Environment", []column{left("Check"), left("Result"), left("Detail")}, rows)
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
