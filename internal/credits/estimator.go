package credits

import (
	"fmt"

	"vidforge/internal/config"
	"vidforge/internal/store"
)

// LineItem is one priced component of a cost estimate.
type LineItem struct {
	TaskType store.TaskType `json:"task_type"`
	Label    string         `json:"label"`
	Quantity float64        `json:"quantity"`
	Unit     string         `json:"unit"`
	Rate     int64          `json:"rate"`
	Cost     int64          `json:"cost"`
}

// CostEstimate itemizes the expected credit cost of a pipeline configuration.
type CostEstimate struct {
	Lines            []LineItem `json:"lines"`
	Total            int64      `json:"total"`
	EstimatedTimeSec int        `json:"estimated_time_sec"`
}

// Estimator prices pipeline configurations from configured per-unit rates.
type Estimator struct {
	rates config.Credits
}

// NewEstimator constructs an estimator from configuration.
func NewEstimator(cfg *config.Config) *Estimator {
	return &Estimator{rates: cfg.Credits}
}

// Estimate returns the itemized and total cost of the full pipeline for the
// given settings. This runs before any credits are committed.
func (e *Estimator) Estimate(settings store.Settings) CostEstimate {
	var estimate CostEstimate
	for _, stage := range []store.ProjectStatus{
		store.StatusScripting,
		store.StatusStoryboarding,
		store.StatusGenerating,
		store.StatusPostProcessing,
		store.StatusQualityCheck,
	} {
		stageEstimate := e.EstimateStage(settings, stage)
		estimate.Lines = append(estimate.Lines, stageEstimate.Lines...)
		estimate.Total += stageEstimate.Total
	}
	estimate.EstimatedTimeSec = estimatedPipelineSeconds(settings)
	return estimate
}

// EstimateStage prices only the tasks belonging to one pipeline stage. The
// orchestrator reserves stage by stage so a mid-pipeline top-up can resume a
// parked project without re-reserving completed work.
func (e *Estimator) EstimateStage(settings store.Settings, stage store.ProjectStatus) CostEstimate {
	var estimate CostEstimate
	seconds := float64(settings.DurationSec)

	add := func(item LineItem) {
		estimate.Lines = append(estimate.Lines, item)
		estimate.Total += item.Cost
	}

	switch stage {
	case store.StatusScripting:
		add(operationItem(store.TaskScriptGeneration, "Script generation", e.rates.ScriptGeneration))
	case store.StatusStoryboarding:
		add(operationItem(store.TaskStoryboardCreation, "Storyboard creation", e.rates.StoryboardCreation))
	case store.StatusGenerating:
		add(LineItem{
			TaskType: store.TaskVideoGeneration,
			Label:    "Video generation",
			Quantity: seconds,
			Unit:     "second",
			Rate:     e.rates.VideoPerSecond,
			Cost:     e.rates.VideoPerSecond * int64(settings.DurationSec),
		})
		if settings.VoiceOver {
			add(perMinuteItem(store.TaskVoiceSynthesis, "Voice synthesis", settings.DurationSec, e.rates.VoicePerMinute))
		}
		if settings.Music {
			add(perMinuteItem(store.TaskMusicGeneration, "Music generation", settings.DurationSec, e.rates.MusicPerMinute))
		}
	case store.StatusPostProcessing:
		add(operationItem(store.TaskPostProcessing, "Post-processing", e.rates.PostProcessingOp))
		add(LineItem{
			TaskType: store.TaskFinalRender,
			Label:    "Final render",
			Quantity: seconds,
			Unit:     "second",
			Rate:     e.rates.FinalRenderPerSecond,
			Cost:     e.rates.FinalRenderPerSecond * int64(settings.DurationSec),
		})
	case store.StatusQualityCheck:
		add(operationItem(store.TaskQualityCheck, "Quality check", e.rates.QualityCheckOp))
	}
	return estimate
}

func operationItem(taskType store.TaskType, label string, rate int64) LineItem {
	return LineItem{
		TaskType: taskType,
		Label:    label,
		Quantity: 1,
		Unit:     "operation",
		Rate:     rate,
		Cost:     rate,
	}
}

// perMinuteItem prices per-minute work by the second, rounding partial minutes
// up so the reservation always covers the provider charge.
func perMinuteItem(taskType store.TaskType, label string, durationSec int, ratePerMinute int64) LineItem {
	cost := (ratePerMinute*int64(durationSec) + 59) / 60
	return LineItem{
		TaskType: taskType,
		Label:    label,
		Quantity: float64(durationSec) / 60,
		Unit:     "minute",
		Rate:     ratePerMinute,
		Cost:     cost,
	}
}

func estimatedPipelineSeconds(settings store.Settings) int {
	// Rough wall-clock guidance for the client: fixed overhead per stage plus
	// generation time proportional to target duration.
	return 90 + settings.DurationSec*8
}

// Describe renders a line item for logs and CLI output.
func (l LineItem) Describe() string {
	return fmt.Sprintf("%s: %.2f %s(s) x %d = %d credits", l.Label, l.Quantity, l.Unit, l.Rate, l.Cost)
}
