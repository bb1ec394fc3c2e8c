package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"reelsmith/internal/encoding"
)

func newEncodersCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "Trial-encode the encoder candidates and report the negotiated one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd)
			defer cancel()

			detector := encoding.NewDetector(cfg, logger)
			profile, detectErr := detector.Detect(runCtx)
			trials := detector.Results()

			if jsonOut {
				type trialView struct {
					Tier      string `json:"tier"`
					Codec     string `json:"codec"`
					OK        bool   `json:"ok"`
					Error     string `json:"error,omitempty"`
					ElapsedMS int64  `json:"elapsedMs"`
				}
				views := make([]trialView, 0, len(trials))
				for _, trial := range trials {
					v := trialView{
						Tier:      string(trial.Candidate.Tier),
						Codec:     trial.Candidate.Params.Codec,
						OK:        trial.Err == nil,
						ElapsedMS: trial.Elapsed.Milliseconds(),
					}
					if trial.Err != nil {
						v.Error = trial.Err.Error()
					}
					views = append(views, v)
				}
				payload := map[string]any{"trials": views}
				if detectErr == nil {
					payload["selected"] = map[string]string{"tier": string(profile.Tier), "codec": profile.Codec}
				}
				if err := writeJSON(cmd, payload); err != nil {
					return err
				}
				return detectErr
			}

			rows := make([][]string, 0, len(trials))
			for _, trial := range trials {
				result := "ok"
				if trial.Err != nil {
					result = truncate(trial.Err.Error(), 60)
				}
				rows = append(rows, []string{
					string(trial.Candidate.Tier),
					trial.Candidate.Params.Codec,
					result,
					trial.Elapsed.Round(time.Millisecond).String(),
				})
			}
			out := cmd.OutOrStdout()
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable("Encoder trials", []column{left("Tier"), left("Codec"), left("Result"), right("Elapsed")}, rows))
			}
			if detectErr != nil {
				return detectErr
			}
			fmt.Fprintf(out, "Selected %s (%s)\n", profile.Codec, profile.Tier)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output trial results as JSON")
	return cmd
}
