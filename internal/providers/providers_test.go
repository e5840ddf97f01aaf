package providers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vidforge/internal/logging"
	"vidforge/internal/providers"
	"vidforge/internal/qc"
	"vidforge/internal/store"
	"vidforge/internal/testsupport"
)

func request(taskType store.TaskType, inputs providers.Inputs) providers.Request {
	return providers.Request{
		Project: store.Project{
			ID:       "11111111-2222-3333-4444-555555555555",
			UserID:   "user-1",
			Prompt:   "a drone shot over a fjord",
			Settings: testsupport.DefaultSettings(),
		},
		Task: store.Task{
			ID:   "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
			Type: taskType,
		},
		Inputs: inputs,
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	provider := providers.NewSynthetic()
	req := request(store.TaskScriptGeneration, providers.Inputs{Prompt: "a drone shot over a fjord"})

	first, err := provider.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := provider.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Script == nil || second.Script == nil {
		t.Fatal("script result missing")
	}
	if first.Script.Text != second.Script.Text {
		t.Fatal("same prompt must produce the same script")
	}
	if first.Script.WordCount == 0 {
		t.Fatal("script should not be empty")
	}
}

func TestSyntheticFinalRenderShape(t *testing.T) {
	provider := providers.NewSynthetic()
	req := request(store.TaskFinalRender, providers.Inputs{PostKey: "synthetic/p/post.mp4"})

	result, err := provider.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	render := result.Render
	if render == nil {
		t.Fatal("render result missing")
	}
	if render.Width != 1920 || render.Height != 1080 {
		t.Fatalf("dimensions = %dx%d, want 1920x1080", render.Width, render.Height)
	}
	if render.DurationSec != 30 {
		t.Fatalf("duration = %.1f, want 30", render.DurationSec)
	}
	if render.StorageKey == "" {
		t.Fatal("render storage key missing")
	}
}

func TestSyntheticFaultInjection(t *testing.T) {
	fault := errors.New("injected")
	provider := providers.NewSynthetic()
	provider.Faults = map[store.TaskType]error{store.TaskVideoGeneration: fault}

	_, err := provider.Generate(context.Background(), request(store.TaskVideoGeneration, providers.Inputs{}))
	if !errors.Is(err, fault) {
		t.Fatalf("expected injected fault, got %v", err)
	}

	// Other task types are unaffected.
	if _, err := provider.Generate(context.Background(), request(store.TaskVoiceSynthesis, providers.Inputs{})); err != nil {
		t.Fatalf("unrelated task type failed: %v", err)
	}
}

func TestSyntheticHonorsCancellation(t *testing.T) {
	provider := providers.NewSynthetic()
	provider.StepDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := provider.Generate(ctx, request(store.TaskVideoGeneration, providers.Inputs{}))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return after cancellation")
	}
}

func TestSyntheticReportsProgress(t *testing.T) {
	provider := providers.NewSynthetic()
	req := request(store.TaskPostProcessing, providers.Inputs{})

	var reports []float64
	req.Progress = func(percent float64) { reports = append(reports, percent) }

	if _, err := provider.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(reports) == 0 {
		t.Fatal("no progress reported")
	}
	if last := reports[len(reports)-1]; last != 100 {
		t.Fatalf("final progress = %.1f, want 100", last)
	}
}

func TestRegistryRejectsDuplicateTaskTypes(t *testing.T) {
	registry := providers.NewRegistry()
	if err := registry.Register(providers.NewSynthetic()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := registry.Register(providers.NewSynthetic()); err == nil {
		t.Fatal("duplicate registration should error")
	}
}

func TestRegistryCapabilities(t *testing.T) {
	registry := providers.NewRegistry()
	engine := qc.NewEngine(testsupport.NewConfig(t), qc.NopModerator{}, logging.NewNop())
	if err := registry.Register(providers.NewSynthetic()); err != nil {
		t.Fatalf("Register synthetic: %v", err)
	}
	if err := registry.Register(providers.NewQualityExecutor(engine)); err != nil {
		t.Fatalf("Register quality executor: %v", err)
	}

	capabilities := registry.Capabilities()
	if len(capabilities) != len(store.AllTaskTypes()) {
		t.Fatalf("capabilities = %v, want all task types", capabilities)
	}
	if provider, ok := registry.For(store.TaskQualityCheck); !ok || provider.Name() != "quality-gate" {
		t.Fatalf("quality_check routed to %v", provider)
	}
}

func TestQualityExecutorRequiresRender(t *testing.T) {
	engine := qc.NewEngine(testsupport.NewConfig(t), qc.NopModerator{}, logging.NewNop())
	executor := providers.NewQualityExecutor(engine)

	_, err := executor.Generate(context.Background(), request(store.TaskQualityCheck, providers.Inputs{}))
	if !errors.Is(err, providers.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if providers.Retryable(err) {
		t.Fatal("a missing render must not be retried")
	}
}

func TestQualityExecutorEvaluatesRender(t *testing.T) {
	engine := qc.NewEngine(testsupport.NewConfig(t), qc.NopModerator{}, logging.NewNop())
	executor := providers.NewQualityExecutor(engine)

	render := &store.RenderResult{
		StorageKey:       "renders/final.mp4",
		DurationSec:      30,
		Width:            1920,
		Height:           1080,
		FrameRate:        30,
		FrozenFrameRatio: 0.01,
		MeanBrightness:   0.5,
		SharpnessScore:   0.8,
	}
	result, err := executor.Generate(context.Background(), request(store.TaskQualityCheck, providers.Inputs{Render: render}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Quality == nil || !result.Quality.Passed {
		t.Fatalf("expected passing quality result, got %#v", result.Quality)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", providers.ErrTransient, true},
		{"validation", providers.ErrValidation, false},
		{"fatal", providers.ErrFatal, false},
		{"unclassified defaults to transient", errors.New("socket reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := providers.Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
