package testsupport

import (
	"path/filepath"
	"testing"

	"vidforge/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	// Fast polling keeps scheduler tests snappy.
	cfg.Pipeline.QueuePollInterval = 1
	cfg.Pipeline.ErrorRetryInterval = 1
	cfg.Pipeline.HeartbeatInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMaxQualityCycles overrides the re-render budget on the test config.
func WithMaxQualityCycles(cycles int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxQualityCycles = cycles
	}
}

// WithRetryPolicy overrides the scheduler retry policy on the test config.
func WithRetryPolicy(maxAttempts, baseSeconds, capSeconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Scheduler.RetryMaxAttempts = maxAttempts
		cfg.Scheduler.RetryBaseSeconds = baseSeconds
		cfg.Scheduler.RetryCapSeconds = capSeconds
	}
}
