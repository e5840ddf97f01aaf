package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"vidforge/internal/store"
)

// Synthetic is a deterministic local provider used for development and tests.
// Outputs derive from the project prompt and settings, so repeated runs of the
// same project produce identical artifacts.
type Synthetic struct {
	// StepDelay throttles each progress step. Zero means no delay.
	StepDelay time.Duration

	// Faults injects a failure for a task type instead of generating.
	Faults map[store.TaskType]error
}

// NewSynthetic builds a synthetic provider with no delays or faults.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (p *Synthetic) Name() string { return "synthetic" }

// Capabilities covers every generation task type. Quality checks are handled
// by the quality executor, not a generation provider.
func (p *Synthetic) Capabilities() []store.TaskType {
	return []store.TaskType{
		store.TaskScriptGeneration,
		store.TaskStoryboardCreation,
		store.TaskVideoGeneration,
		store.TaskVoiceSynthesis,
		store.TaskMusicGeneration,
		store.TaskPostProcessing,
		store.TaskFinalRender,
	}
}

func (p *Synthetic) Generate(ctx context.Context, req Request) (store.TaskResult, error) {
	if fault, ok := p.Faults[req.Task.Type]; ok && fault != nil {
		return store.TaskResult{}, fault
	}
	if err := p.work(ctx, &req); err != nil {
		return store.TaskResult{}, err
	}

	settings := req.Project.Settings
	duration := float64(settings.DurationSec)

	switch req.Task.Type {
	case store.TaskScriptGeneration:
		text := syntheticScript(req.Inputs.Prompt, settings.DurationSec)
		return store.TaskResult{Script: &store.ScriptResult{
			Text:      text,
			WordCount: len(strings.Fields(text)),
		}}, nil

	case store.TaskStoryboardCreation:
		scenes := settings.DurationSec / 5
		if scenes < 1 {
			scenes = 1
		}
		return store.TaskResult{Storyboard: &store.StoryboardResult{
			StoryboardJSON: syntheticStoryboard(req.Inputs.Script, scenes),
			SceneCount:     scenes,
		}}, nil

	case store.TaskVideoGeneration:
		width, height := dimensionsFor(settings.Resolution)
		return store.TaskResult{Video: &store.MediaResult{
			StorageKey:  p.storageKey(req, "raw", "mp4"),
			DurationSec: duration,
			Width:       width,
			Height:      height,
			FrameRate:   30,
		}}, nil

	case store.TaskVoiceSynthesis:
		return store.TaskResult{Voice: &store.AudioResult{
			StorageKey:  p.storageKey(req, "voice", "wav"),
			DurationSec: duration,
		}}, nil

	case store.TaskMusicGeneration:
		return store.TaskResult{Music: &store.AudioResult{
			StorageKey:  p.storageKey(req, "music", "wav"),
			DurationSec: duration,
		}}, nil

	case store.TaskPostProcessing:
		width, height := dimensionsFor(settings.Resolution)
		return store.TaskResult{Post: &store.MediaResult{
			StorageKey:  p.storageKey(req, "post", "mp4"),
			DurationSec: duration,
			Width:       width,
			Height:      height,
			FrameRate:   30,
		}}, nil

	case store.TaskFinalRender:
		width, height := dimensionsFor(settings.Resolution)
		return store.TaskResult{Render: &store.RenderResult{
			StorageKey:       p.storageKey(req, "final", "mp4"),
			DurationSec:      duration,
			Width:            width,
			Height:           height,
			FrameRate:        30,
			FrozenFrameRatio: 0.01,
			MeanBrightness:   0.5,
			SharpnessScore:   0.8,
		}}, nil

	default:
		return store.TaskResult{}, fmt.Errorf("%w: synthetic provider cannot handle %s", ErrValidation, req.Task.Type)
	}
}

// work steps progress from 0 to 100, honoring cancellation between steps.
func (p *Synthetic) work(ctx context.Context, req *Request) error {
	const steps = 4
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.StepDelay > 0 {
			timer := time.NewTimer(p.StepDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		req.reportProgress(float64(i) / steps * 100)
	}
	return nil
}

func (p *Synthetic) storageKey(req Request, label, ext string) string {
	return fmt.Sprintf("synthetic/%s/%s-%s.%s", req.Project.ID, label, req.Task.ID[:8], ext)
}

func syntheticScript(prompt string, durationSec int) string {
	sentences := durationSec / 10
	if sentences < 1 {
		sentences = 1
	}
	seed := fnvHash(prompt)
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Scene %d narration for %q (take %d). ", i+1, prompt, seed%7+1)
	}
	return strings.TrimSpace(b.String())
}

func syntheticStoryboard(script string, scenes int) string {
	var b strings.Builder
	b.WriteString(`{"scenes":[`)
	for i := 0; i < scenes; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"index":%d,"shot":"wide","beat":%d}`, i, fnvHash(script)%5)
	}
	b.WriteString(`]}`)
	return b.String()
}

func dimensionsFor(resolution string) (int, int) {
	switch strings.ToLower(strings.TrimSpace(resolution)) {
	case "720p", "1280x720":
		return 1280, 720
	case "4k", "2160p", "3840x2160":
		return 3840, 2160
	default:
		return 1920, 1080
	}
}

func fnvHash(value string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(value))
	return h.Sum32()
}
