package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"reelsmith/internal/config"
)

var skipConfig = map[string]string{"skipConfigLoad": "true"}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or scaffold the configuration file"}
	cmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand(), newConfigShowCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var target string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration",
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := initTarget(target)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists; pass --overwrite to replace it", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("inspect %s: %w", path, err)
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\nEdit remote.base_url and the API keys before submitting tasks.\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "path", "p", "", "Where to write the file (default: the standard config location)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func initTarget(flagValue string) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return config.ExpandPath(v)
	}
	return config.DefaultConfigPath()
}

// loadForInspection reads the file named by --config without touching the
// command context, so broken files can still be reported on.
func loadForInspection(cmd *cobra.Command) (*config.Config, string, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, resolved, exists, err := config.Load(strings.TrimSpace(path))
	if err != nil {
		return nil, resolved, exists, fmt.Errorf("load config: %w", err)
	}
	return cfg, resolved, exists, nil
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Check the configuration and create its directories",
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, resolved, exists, err := loadForInspection(cmd)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := resolved
			if !exists {
				source += " (not found, using defaults)"
			}
			fmt.Fprintf(out, "Config: %s\n", source)
			fmt.Fprintf(out, "Backends: image=%s video_segment=%s audio=%s script=%s\n",
				cfg.Backends.Image, cfg.Backends.VideoSegment, cfg.Backends.Audio, cfg.Backends.Script)
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration as TOML with secrets masked",
		Annotations: skipConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, _, err := loadForInspection(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Remote.APIKey = mask(masked.Remote.APIKey)
			masked.OpenAI.APIKey = mask(masked.OpenAI.APIKey)
			data, err := toml.Marshal(masked)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
