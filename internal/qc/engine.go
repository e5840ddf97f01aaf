package qc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"vidforge/internal/config"
	"vidforge/internal/logging"
	"vidforge/internal/store"
)

// ModerationInput describes a rendered output to a moderation collaborator.
type ModerationInput struct {
	StorageKey string
	Script     string
}

// ModerationVerdict is the opaque boolean-plus-categories result the engine
// receives from the moderation collaborator.
type ModerationVerdict struct {
	Flagged    bool
	Categories []string
}

// Moderator screens rendered content for policy violations. Implementations
// typically combine a keyword screen with a provider moderation call.
type Moderator interface {
	Moderate(ctx context.Context, input ModerationInput) (ModerationVerdict, error)
}

// Engine gates rendered outputs before a project can complete. It never
// mutates project state; it returns a result the state machine interprets.
type Engine struct {
	cfg       config.Quality
	moderator Moderator
	logger    *slog.Logger
}

// Issue penalties applied to the weighted score.
const (
	warningPenalty  = 0.1
	criticalPenalty = 0.5
)

// NewEngine constructs a quality control engine.
func NewEngine(cfg *config.Config, moderator Moderator, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.Quality,
		moderator: moderator,
		logger:    logging.NewComponentLogger(logger, "qc-engine"),
	}
}

// Check runs the technical and content check families against a rendered
// output and merges the results. Any critical issue forces a failure
// regardless of score; otherwise the render passes iff the weighted score
// exceeds the configured threshold.
func (e *Engine) Check(ctx context.Context, render store.RenderResult, settings store.Settings, script string) (store.QualityCheckResult, error) {
	issues := e.technicalIssues(render, settings)

	if e.moderator != nil {
		verdict, err := e.moderator.Moderate(ctx, ModerationInput{StorageKey: render.StorageKey, Script: script})
		if err != nil {
			return store.QualityCheckResult{}, fmt.Errorf("content moderation: %w", err)
		}
		if verdict.Flagged {
			issues = append(issues, store.QualityIssue{
				Type:        "content_policy",
				Severity:    store.SeverityCritical,
				Description: "content flagged by moderation: " + strings.Join(verdict.Categories, ", "),
			})
		}
	}

	result := Aggregate(issues, e.cfg.PassThreshold)
	e.logger.Info("quality check evaluated",
		logging.String("storage_key", render.StorageKey),
		logging.Bool("passed", result.Passed),
		logging.Float64("score", result.Score),
		logging.Int("issues", len(result.Issues)),
	)
	return result, nil
}

// Aggregate merges issues into a final verdict: the weighted score starts at
// 1.0 and each issue subtracts its severity penalty; any critical issue fails
// the check outright.
func Aggregate(issues []store.QualityIssue, threshold float64) store.QualityCheckResult {
	score := 1.0
	critical := false
	for _, issue := range issues {
		switch issue.Severity {
		case store.SeverityCritical:
			critical = true
			score -= criticalPenalty
		case store.SeverityWarning:
			score -= warningPenalty
		}
	}
	if score < 0 {
		score = 0
	}
	return store.QualityCheckResult{
		Passed: !critical && score > threshold,
		Score:  score,
		Issues: issues,
	}
}

func (e *Engine) technicalIssues(render store.RenderResult, settings store.Settings) []store.QualityIssue {
	var issues []store.QualityIssue

	if render.FrameRate < e.cfg.MinFrameRate || render.FrameRate > e.cfg.MaxFrameRate {
		issues = append(issues, store.QualityIssue{
			Type:        "frame_rate",
			Severity:    store.SeverityCritical,
			Description: fmt.Sprintf("frame rate %.2f outside [%.1f, %.1f]", render.FrameRate, e.cfg.MinFrameRate, e.cfg.MaxFrameRate),
		})
	}

	if wantW, wantH, ok := ParseResolution(settings.Resolution); ok {
		if render.Width != wantW || render.Height != wantH {
			issues = append(issues, store.QualityIssue{
				Type:        "resolution",
				Severity:    store.SeverityCritical,
				Description: fmt.Sprintf("rendered %dx%d, requested %dx%d", render.Width, render.Height, wantW, wantH),
			})
		}
	}

	if settings.DurationSec > 0 {
		want := float64(settings.DurationSec)
		tolerance := want * e.cfg.DurationTolerancePct / 100
		delta := render.DurationSec - want
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			issues = append(issues, store.QualityIssue{
				Type:        "duration",
				Severity:    store.SeverityWarning,
				Description: fmt.Sprintf("duration %.2fs deviates from requested %ds by more than %.1f%%", render.DurationSec, settings.DurationSec, e.cfg.DurationTolerancePct),
			})
		}
	}

	if render.FrozenFrameRatio > e.cfg.MaxFrozenFrameRatio {
		severity := store.SeverityWarning
		if render.FrozenFrameRatio > 2*e.cfg.MaxFrozenFrameRatio {
			severity = store.SeverityCritical
		}
		issues = append(issues, store.QualityIssue{
			Type:        "frozen_frames",
			Severity:    severity,
			Description: fmt.Sprintf("frozen or duplicate frame ratio %.2f exceeds %.2f", render.FrozenFrameRatio, e.cfg.MaxFrozenFrameRatio),
		})
	}

	if render.MeanBrightness < e.cfg.MinBrightness || render.MeanBrightness > e.cfg.MaxBrightness {
		issues = append(issues, store.QualityIssue{
			Type:        "brightness",
			Severity:    store.SeverityWarning,
			Description: fmt.Sprintf("mean brightness %.2f outside [%.2f, %.2f]", render.MeanBrightness, e.cfg.MinBrightness, e.cfg.MaxBrightness),
		})
	}

	if render.SharpnessScore < e.cfg.MinSharpness {
		issues = append(issues, store.QualityIssue{
			Type:        "blur",
			Severity:    store.SeverityWarning,
			Description: fmt.Sprintf("sharpness score %.2f below %.2f", render.SharpnessScore, e.cfg.MinSharpness),
		})
	}

	return issues
}

// ParseResolution splits a "WxH" resolution string.
func ParseResolution(value string) (width, height int, ok bool) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(value)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &width, &height); err != nil {
		return 0, 0, false
	}
	return width, height, width > 0 && height > 0
}
