package providers

import (
	"context"
	"fmt"

	"vidforge/internal/qc"
	"vidforge/internal/store"
)

// QualityExecutor adapts the quality control engine to the provider contract
// so quality_check tasks flow through the same worker pools as generation
// work.
type QualityExecutor struct {
	engine *qc.Engine
}

// NewQualityExecutor wraps a quality engine.
func NewQualityExecutor(engine *qc.Engine) *QualityExecutor {
	return &QualityExecutor{engine: engine}
}

func (e *QualityExecutor) Name() string { return "quality-gate" }

func (e *QualityExecutor) Capabilities() []store.TaskType {
	return []store.TaskType{store.TaskQualityCheck}
}

// Generate evaluates the rendered output referenced by the request inputs. A
// missing render is a wiring fault in the stage plan, not a provider blip.
func (e *QualityExecutor) Generate(ctx context.Context, req Request) (store.TaskResult, error) {
	if req.Inputs.Render == nil {
		return store.TaskResult{}, fmt.Errorf("%w: quality check has no rendered output", ErrValidation)
	}
	result, err := e.engine.Check(ctx, *req.Inputs.Render, req.Project.Settings, req.Inputs.Script)
	if err != nil {
		return store.TaskResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.reportProgress(100)
	return store.TaskResult{Quality: &result}, nil
}
