package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTasks(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateEncoding(); err != nil {
		return err
	}
	if err := c.validateBudget(); err != nil {
		return err
	}
	if err := c.validateFinishing(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTasks() error {
	if err := ensurePositiveMap(map[string]int{
		"tasks.max_attempts":           c.Tasks.MaxAttempts,
		"tasks.poll_interval_seconds":  c.Tasks.PollIntervalSeconds,
		"tasks.stale_after_seconds":    c.Tasks.StaleAfterSeconds,
		"tasks.concurrency":            c.Tasks.Concurrency,
		"tasks.remote_timeout_seconds": c.Tasks.RemoteTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Tasks.Concurrency > 8 {
		return errors.New("tasks.concurrency must be between 1 and 8")
	}
	if c.Tasks.RemoteRetries < 0 {
		return errors.New("tasks.remote_retries must be >= 0")
	}
	return nil
}

func (c *Config) validateBackends() error {
	entries := map[string]string{
		"backends.image":         c.Backends.Image,
		"backends.video_segment": c.Backends.VideoSegment,
		"backends.audio":         c.Backends.Audio,
		"backends.script":        c.Backends.Script,
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch entries[key] {
		case BackendHTTP, BackendOpenAI:
		default:
			return fmt.Errorf("%s must be %q or %q, got %q", key, BackendHTTP, BackendOpenAI, entries[key])
		}
	}
	if c.Backends.VideoSegment == BackendOpenAI {
		return errors.New("backends.video_segment cannot use the openai backend")
	}
	return nil
}

func (c *Config) validateEncoding() error {
	if err := ensurePositiveMap(map[string]int{
		"encoding.trial_timeout_seconds": c.Encoding.TrialTimeoutSeconds,
		"encoding.stage_timeout_seconds": c.Encoding.StageTimeoutSeconds,
		"encoding.stage_retries":         c.Encoding.StageRetries,
		"encoding.width":                 c.Encoding.Width,
		"encoding.height":                c.Encoding.Height,
		"encoding.fps":                   c.Encoding.FPS,
		"captions.max_chars_per_line":    c.Captions.MaxCharsPerLine,
	}); err != nil {
		return err
	}
	switch c.Encoding.ForceTier {
	case "", "gpu", "platform", "software":
	default:
		return fmt.Errorf("encoding.force_tier must be gpu, platform or software, got %q", c.Encoding.ForceTier)
	}
	if c.Encoding.MinFreeMB < 0 {
		return errors.New("encoding.min_free_mb must be >= 0")
	}
	return nil
}

func (c *Config) validateBudget() error {
	return ensurePositiveMap(map[string]int{
		"budget.max_size_mb":  c.Budget.MaxSizeMB,
		"budget.max_passes":   c.Budget.MaxPasses,
		"budget.quality_step": c.Budget.QualityStep,
	})
}

func (c *Config) validateFinishing() error {
	if c.Finishing.MusicVolume < 0 || c.Finishing.MusicVolume > 1 {
		return errors.New("finishing.music_volume must be between 0 and 1")
	}
	if c.Finishing.TransitionMS < 0 {
		return errors.New("finishing.transition_ms must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
