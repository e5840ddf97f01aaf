package credits_test

import (
	"testing"

	"vidforge/internal/credits"
	"vidforge/internal/store"
	"vidforge/internal/testsupport"
)

func newEstimator(t *testing.T) *credits.Estimator {
	t.Helper()
	return credits.NewEstimator(testsupport.NewConfig(t))
}

func TestEstimateStageVideoIsPerSecond(t *testing.T) {
	estimator := newEstimator(t)
	settings := testsupport.DefaultSettings()
	settings.DurationSec = 30

	estimate := estimator.EstimateStage(settings, store.StatusGenerating)
	if len(estimate.Lines) != 1 {
		t.Fatalf("expected video line only, got %d lines", len(estimate.Lines))
	}
	line := estimate.Lines[0]
	if line.TaskType != store.TaskVideoGeneration {
		t.Fatalf("line task type = %s", line.TaskType)
	}
	if line.Cost != line.Rate*30 {
		t.Fatalf("video cost = %d, want rate %d x 30", line.Cost, line.Rate)
	}
}

func TestEstimateStageOptionalTracks(t *testing.T) {
	estimator := newEstimator(t)
	settings := testsupport.DefaultSettings()
	settings.VoiceOver = true
	settings.Music = true

	estimate := estimator.EstimateStage(settings, store.StatusGenerating)
	types := make(map[store.TaskType]credits.LineItem, len(estimate.Lines))
	for _, line := range estimate.Lines {
		types[line.TaskType] = line
	}
	if _, ok := types[store.TaskVoiceSynthesis]; !ok {
		t.Fatal("voice synthesis line missing with voice_over enabled")
	}
	if _, ok := types[store.TaskMusicGeneration]; !ok {
		t.Fatal("music generation line missing with music enabled")
	}

	// 30s is half a minute; the cost must round the partial minute up.
	voice := types[store.TaskVoiceSynthesis]
	want := (voice.Rate*30 + 59) / 60
	if voice.Cost != want {
		t.Fatalf("voice cost = %d, want %d", voice.Cost, want)
	}
}

func TestEstimateSumsStages(t *testing.T) {
	estimator := newEstimator(t)
	settings := testsupport.DefaultSettings()

	estimate := estimator.Estimate(settings)
	var stageTotal int64
	for _, stage := range []store.ProjectStatus{
		store.StatusScripting,
		store.StatusStoryboarding,
		store.StatusGenerating,
		store.StatusPostProcessing,
		store.StatusQualityCheck,
	} {
		stageTotal += estimator.EstimateStage(settings, stage).Total
	}
	if estimate.Total != stageTotal {
		t.Fatalf("Estimate total %d != sum of stage totals %d", estimate.Total, stageTotal)
	}

	var lineTotal int64
	for _, line := range estimate.Lines {
		lineTotal += line.Cost
	}
	if lineTotal != estimate.Total {
		t.Fatalf("line items sum to %d, total says %d", lineTotal, estimate.Total)
	}
	if estimate.EstimatedTimeSec <= 0 {
		t.Fatalf("estimated time = %d, want positive", estimate.EstimatedTimeSec)
	}
}

func TestEstimateWithoutOptionalTracksIsCheaper(t *testing.T) {
	estimator := newEstimator(t)
	base := testsupport.DefaultSettings()
	full := base
	full.VoiceOver = true
	full.Music = true

	if estimator.Estimate(full).Total <= estimator.Estimate(base).Total {
		t.Fatal("enabling voice and music should raise the estimate")
	}
}
