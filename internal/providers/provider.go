package providers

import (
	"context"
	"fmt"

	"vidforge/internal/store"
)

// Inputs carries the upstream artifacts a task needs. The scheduler assembles
// it from the project record and completed prior tasks before dispatch.
type Inputs struct {
	Prompt     string
	Script     string
	Storyboard string
	VideoKey   string
	VoiceKey   string
	MusicKey   string
	PostKey    string
	Render     *store.RenderResult
}

// Request is one unit of generation work handed to a provider.
type Request struct {
	Project store.Project
	Task    store.Task
	Inputs  Inputs

	// Progress, when non-nil, receives completion percentages in [0, 100].
	// Providers call it best-effort; delivery is not guaranteed.
	Progress func(percent float64)
}

// Provider executes generation work for one or more task types. Generate must
// honor context cancellation and classify failures with the package error
// sentinels.
type Provider interface {
	Name() string
	Capabilities() []store.TaskType
	Generate(ctx context.Context, req Request) (store.TaskResult, error)
}

// Registry maps task types to the provider that executes them.
type Registry struct {
	byType map[store.TaskType]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[store.TaskType]Provider)}
}

// Register binds a provider to every capability it declares. Registering a
// second provider for the same task type is a wiring bug and errors.
func (r *Registry) Register(provider Provider) error {
	for _, taskType := range provider.Capabilities() {
		if existing, ok := r.byType[taskType]; ok {
			return fmt.Errorf("task type %s already handled by %s", taskType, existing.Name())
		}
		r.byType[taskType] = provider
	}
	return nil
}

// For returns the provider registered for a task type.
func (r *Registry) For(taskType store.TaskType) (Provider, bool) {
	provider, ok := r.byType[taskType]
	return provider, ok
}

// Capabilities returns every task type the registry can execute.
func (r *Registry) Capabilities() []store.TaskType {
	types := make([]store.TaskType, 0, len(r.byType))
	for _, taskType := range store.AllTaskTypes() {
		if _, ok := r.byType[taskType]; ok {
			types = append(types, taskType)
		}
	}
	return types
}

func (r *Request) reportProgress(percent float64) {
	if r.Progress != nil {
		r.Progress(percent)
	}
}
