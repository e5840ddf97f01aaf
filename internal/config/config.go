package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Pipeline contains orchestration limits and intervals.
type Pipeline struct {
	QueuePollInterval     int `toml:"queue_poll_interval"`
	ErrorRetryInterval    int `toml:"error_retry_interval"`
	HeartbeatInterval     int `toml:"heartbeat_interval"`
	HeartbeatTimeout      int `toml:"heartbeat_timeout"`
	PerProjectConcurrency int `toml:"per_project_concurrency"`
	MaxQualityCycles      int `toml:"max_quality_cycles"`
}

// Scheduler contains worker pool sizing and retry policy.
type Scheduler struct {
	RetryMaxAttempts   int `toml:"retry_max_attempts"`
	RetryBaseSeconds   int `toml:"retry_base_seconds"`
	RetryCapSeconds    int `toml:"retry_cap_seconds"`
	ScriptWorkers      int `toml:"script_workers"`
	StoryboardWorkers  int `toml:"storyboard_workers"`
	VideoWorkers       int `toml:"video_workers"`
	VoiceWorkers       int `toml:"voice_workers"`
	MusicWorkers       int `toml:"music_workers"`
	PostWorkers        int `toml:"post_workers"`
	QualityWorkers     int `toml:"quality_workers"`
	RenderWorkers      int `toml:"render_workers"`
	ScriptTimeout      int `toml:"script_timeout"`
	StoryboardTimeout  int `toml:"storyboard_timeout"`
	VideoTimeout       int `toml:"video_timeout"`
	VoiceTimeout       int `toml:"voice_timeout"`
	MusicTimeout       int `toml:"music_timeout"`
	PostTimeout        int `toml:"post_timeout"`
	QualityTimeout     int `toml:"quality_timeout"`
	FinalRenderTimeout int `toml:"final_render_timeout"`
}

// Credits contains per-unit pricing for the cost estimator. All rates are in
// whole credits.
type Credits struct {
	ScriptGeneration     int64 `toml:"script_generation"`
	StoryboardCreation   int64 `toml:"storyboard_creation"`
	VideoPerSecond       int64 `toml:"video_per_second"`
	VoicePerMinute       int64 `toml:"voice_per_minute"`
	MusicPerMinute       int64 `toml:"music_per_minute"`
	PostProcessingOp     int64 `toml:"post_processing_op"`
	QualityCheckOp       int64 `toml:"quality_check_op"`
	FinalRenderPerSecond int64 `toml:"final_render_per_second"`
}

// Quality contains thresholds for the quality control engine.
type Quality struct {
	PassThreshold        float64 `toml:"pass_threshold"`
	MinFrameRate         float64 `toml:"min_frame_rate"`
	MaxFrameRate         float64 `toml:"max_frame_rate"`
	DurationTolerancePct float64 `toml:"duration_tolerance_pct"`
	MaxFrozenFrameRatio  float64 `toml:"max_frozen_frame_ratio"`
	MinBrightness        float64 `toml:"min_brightness"`
	MaxBrightness        float64 `toml:"max_brightness"`
	MinSharpness         float64 `toml:"min_sharpness"`
}

// Notifications contains configuration for status-change webhook pushes.
type Notifications struct {
	WebhookURL     string `toml:"webhook_url"`
	RequestTimeout int    `toml:"request_timeout"`
	ProjectEvents  bool   `toml:"project_events"`
	TaskFailures   bool   `toml:"task_failures"`
	CreditEvents   bool   `toml:"credit_events"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Credits       Credits       `toml:"credits"`
	Quality       Quality       `toml:"quality"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the conventional location of the config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vidforge.toml"
	}
	return filepath.Join(home, ".config", "vidforge", "config.toml")
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Relative directories are expanded against the user home.
func Load(path string) (*Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultConfigPath()
	}

	data, err := os.ReadFile(trimmed)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", trimmed, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults apply when no config file is present.
	default:
		return nil, fmt.Errorf("read config %s: %w", trimmed, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return errors.New("config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(trimmed); err == nil {
		return fmt.Errorf("config file already exists: %s", trimmed)
	}
	if err := os.WriteFile(trimmed, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the data and log directories when missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the pipeline SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "pipeline.db")
}

func (c *Config) normalize() {
	c.Paths.DataDir = expandHome(c.Paths.DataDir)
	c.Paths.LogDir = expandHome(c.Paths.LogDir)
}

func expandHome(path string) string {
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "~") {
		return trimmed
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return trimmed
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
}
