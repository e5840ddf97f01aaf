package testsupport

import (
	"context"
	"testing"

	"vidforge/internal/config"
	"vidforge/internal/store"
)

// MustOpenStore opens a store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewProject creates a project for tests using the provided store.
func NewProject(t testing.TB, st *store.Store, userID string, settings store.Settings) *store.Project {
	t.Helper()

	project, err := st.CreateProject(context.Background(), userID, "a test prompt", settings)
	if err != nil {
		t.Fatalf("store.CreateProject: %v", err)
	}
	return project
}

// DefaultSettings returns a small pipeline configuration used across tests.
func DefaultSettings() store.Settings {
	return store.Settings{
		Engine:      "synthetic",
		QualityTier: "standard",
		Resolution:  "1920x1080",
		DurationSec: 30,
		AspectRatio: "16:9",
	}
}
