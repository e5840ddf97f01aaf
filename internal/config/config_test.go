package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vidforge/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defaults := config.Default()
	if cfg.Pipeline.MaxQualityCycles != defaults.Pipeline.MaxQualityCycles {
		t.Fatalf("max quality cycles = %d, want default %d", cfg.Pipeline.MaxQualityCycles, defaults.Pipeline.MaxQualityCycles)
	}
	if cfg.Credits.VideoPerSecond != defaults.Credits.VideoPerSecond {
		t.Fatalf("video rate = %d, want default %d", cfg.Credits.VideoPerSecond, defaults.Credits.VideoPerSecond)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[pipeline]
max_quality_cycles = 5

[credits]
video_per_second = 9

[quality]
pass_threshold = 0.85
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.MaxQualityCycles != 5 {
		t.Fatalf("max quality cycles = %d, want 5", cfg.Pipeline.MaxQualityCycles)
	}
	if cfg.Credits.VideoPerSecond != 9 {
		t.Fatalf("video rate = %d, want 9", cfg.Credits.VideoPerSecond)
	}
	if cfg.Quality.PassThreshold != 0.85 {
		t.Fatalf("pass threshold = %.2f, want 0.85", cfg.Quality.PassThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Scheduler.RetryMaxAttempts != config.Default().Scheduler.RetryMaxAttempts {
		t.Fatal("unrelated section lost its default")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[quality]
pass_threshold = 1.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "pass_threshold") {
		t.Fatalf("expected pass_threshold validation error, got %v", err)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[pipeline\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = ""
	cfg.Pipeline.PerProjectConcurrency = 0
	cfg.Credits.VideoPerSecond = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"paths.data_dir", "per_project_concurrency", "video_per_second"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}

	// The sample must itself load and validate.
	if _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected error overwriting an existing config")
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = "/tmp/vf"
	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/vf", "pipeline.db") {
		t.Fatalf("database path = %s", got)
	}
}
