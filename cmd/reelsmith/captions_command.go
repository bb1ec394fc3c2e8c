package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"reelsmith/internal/captions"
	"reelsmith/internal/fileutil"
)

func newCaptionsCommand(ctx *commandContext) *cobra.Command {
	var (
		textFlag  string
		textFile  string
		duration  float64
		maxChars  int
		assOutput string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "captions",
		Short: "Split narration text into timed caption lines",
		Long: `Captions splits a narration span into display lines no wider than the
configured character bound and spreads the duration over them in proportion
to their length. Use --ass to write an ASS subtitle track.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			text, err := captionText(cmd.InOrStdin(), textFlag, textFile)
			if err != nil {
				return err
			}
			if maxChars <= 0 {
				maxChars = cfg.Captions.MaxCharsPerLine
			}
			segmenter, err := captions.NewSegmenter(maxChars)
			if err != nil {
				return err
			}
			lines, err := segmenter.Segment(text, duration)
			if err != nil {
				return err
			}

			if assOutput != "" {
				opts := captions.ASSOptions{
					Width:    cfg.Encoding.Width,
					Height:   cfg.Encoding.Height,
					FontName: cfg.Captions.FontName,
					FontSize: cfg.Captions.FontSize,
				}
				if err := fileutil.WriteAtomic(assOutput, 0o644, func(w io.Writer) error {
					return captions.WriteASS(w, lines, opts)
				}); err != nil {
					return fmt.Errorf("write captions: %w", err)
				}
			}

			if jsonOut {
				if lines == nil {
					lines = []captions.Line{}
				}
				return writeJSON(cmd, lines)
			}
			out := cmd.OutOrStdout()
			for _, line := range lines {
				fmt.Fprintf(out, "%s --> %s  %s\n",
					captions.FormatTimestamp(line.Start), captions.FormatTimestamp(line.End), line.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&textFlag, "text", "", "Narration text (use - to read stdin)")
	cmd.Flags().StringVar(&textFile, "file", "", "Read narration text from a file")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Span duration in seconds")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Maximum characters per line (defaults to config)")
	cmd.Flags().StringVar(&assOutput, "ass", "", "Write an ASS subtitle track to this path")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output lines as JSON")
	_ = cmd.MarkFlagRequired("duration")
	return cmd
}

func captionText(stdin io.Reader, text, file string) (string, error) {
	switch {
	case text != "" && file != "":
		return "", errors.New("--text and --file are mutually exclusive")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read narration text: %w", err)
		}
		return string(data), nil
	case text == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case strings.TrimSpace(text) != "":
		return text, nil
	default:
		return "", errors.New("narration text is required (--text or --file)")
	}
}
