package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir is required")
	}
	if c.Pipeline.PerProjectConcurrency < 1 {
		problems = append(problems, "pipeline.per_project_concurrency must be at least 1")
	}
	if c.Pipeline.MaxQualityCycles < 0 {
		problems = append(problems, "pipeline.max_quality_cycles must not be negative")
	}
	if c.Pipeline.QueuePollInterval < 1 {
		problems = append(problems, "pipeline.queue_poll_interval must be at least 1 second")
	}
	if c.Scheduler.RetryMaxAttempts < 0 {
		problems = append(problems, "scheduler.retry_max_attempts must not be negative")
	}
	if c.Scheduler.RetryBaseSeconds < 1 {
		problems = append(problems, "scheduler.retry_base_seconds must be at least 1")
	}
	if c.Scheduler.RetryCapSeconds < c.Scheduler.RetryBaseSeconds {
		problems = append(problems, "scheduler.retry_cap_seconds must not be below retry_base_seconds")
	}
	if c.Quality.PassThreshold <= 0 || c.Quality.PassThreshold > 1 {
		problems = append(problems, "quality.pass_threshold must be within (0, 1]")
	}
	for name, rate := range map[string]int64{
		"credits.script_generation":       c.Credits.ScriptGeneration,
		"credits.storyboard_creation":     c.Credits.StoryboardCreation,
		"credits.video_per_second":        c.Credits.VideoPerSecond,
		"credits.voice_per_minute":        c.Credits.VoicePerMinute,
		"credits.music_per_minute":        c.Credits.MusicPerMinute,
		"credits.post_processing_op":      c.Credits.PostProcessingOp,
		"credits.quality_check_op":        c.Credits.QualityCheckOp,
		"credits.final_render_per_second": c.Credits.FinalRenderPerSecond,
	} {
		if rate < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
