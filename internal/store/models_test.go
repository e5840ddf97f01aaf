package store_test

import (
	"testing"

	"vidforge/internal/store"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		name string
		from store.ProjectStatus
		to   store.ProjectStatus
		want bool
	}{
		{"draft to scripting", store.StatusDraft, store.StatusScripting, true},
		{"scripting to storyboarding", store.StatusScripting, store.StatusStoryboarding, true},
		{"storyboarding to generating", store.StatusStoryboarding, store.StatusGenerating, true},
		{"generating to post_processing", store.StatusGenerating, store.StatusPostProcessing, true},
		{"post_processing to quality_check", store.StatusPostProcessing, store.StatusQualityCheck, true},
		{"quality_check to completed", store.StatusQualityCheck, store.StatusCompleted, true},
		{"quality_check back to generating", store.StatusQualityCheck, store.StatusGenerating, true},
		{"any to failed", store.StatusGenerating, store.StatusFailed, true},
		{"skip a stage", store.StatusScripting, store.StatusGenerating, false},
		{"backwards", store.StatusGenerating, store.StatusScripting, false},
		{"completed is terminal", store.StatusCompleted, store.StatusFailed, false},
		{"failed is terminal", store.StatusFailed, store.StatusScripting, false},
		{"draft cannot complete", store.StatusDraft, store.StatusCompleted, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTaskTypeStages(t *testing.T) {
	cases := map[store.TaskType]store.ProjectStatus{
		store.TaskScriptGeneration:   store.StatusScripting,
		store.TaskStoryboardCreation: store.StatusStoryboarding,
		store.TaskVideoGeneration:    store.StatusGenerating,
		store.TaskVoiceSynthesis:     store.StatusGenerating,
		store.TaskMusicGeneration:    store.StatusGenerating,
		store.TaskPostProcessing:     store.StatusPostProcessing,
		store.TaskFinalRender:        store.StatusPostProcessing,
		store.TaskQualityCheck:       store.StatusQualityCheck,
	}
	for taskType, want := range cases {
		if got := taskType.StageFor(); got != want {
			t.Errorf("StageFor(%s) = %s, want %s", taskType, got, want)
		}
	}
}

func TestTaskResultRoundTrip(t *testing.T) {
	task := &store.Task{}
	result := store.TaskResult{
		Render: &store.RenderResult{
			StorageKey:     "final/key.mp4",
			DurationSec:    30,
			Width:          1920,
			Height:         1080,
			FrameRate:      30,
			MeanBrightness: 0.5,
			SharpnessScore: 0.8,
		},
	}
	if err := task.SetResult(result); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	decoded := task.Result()
	if decoded.Render == nil || decoded.Render.StorageKey != "final/key.mp4" {
		t.Fatalf("unexpected decoded result: %#v", decoded)
	}
}
