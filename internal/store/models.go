package store

import (
	"strings"
	"time"
)

// ProjectStatus represents the lifecycle of a project.
type ProjectStatus string

const (
	StatusDraft          ProjectStatus = "draft"
	StatusScripting      ProjectStatus = "scripting"
	StatusStoryboarding  ProjectStatus = "storyboarding"
	StatusGenerating     ProjectStatus = "generating"
	StatusPostProcessing ProjectStatus = "post_processing"
	StatusQualityCheck   ProjectStatus = "quality_check"
	StatusCompleted      ProjectStatus = "completed"
	StatusFailed         ProjectStatus = "failed"
)

// CancelledReason is the error message set when a user cancels a project.
const CancelledReason = "cancelled"

var allStatuses = []ProjectStatus{
	StatusDraft,
	StatusScripting,
	StatusStoryboarding,
	StatusGenerating,
	StatusPostProcessing,
	StatusQualityCheck,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[ProjectStatus]struct{} {
	set := make(map[ProjectStatus]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// statusRank orders the forward path of the state machine. Failed is reachable
// from anywhere; quality_check may roll back to generating for a re-render.
var statusRank = map[ProjectStatus]int{
	StatusDraft:          0,
	StatusScripting:      1,
	StatusStoryboarding:  2,
	StatusGenerating:     3,
	StatusPostProcessing: 4,
	StatusQualityCheck:   5,
	StatusCompleted:      6,
}

// AllStatuses returns the ordered list of known project statuses.
func AllStatuses() []ProjectStatus {
	cp := make([]ProjectStatus, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known ProjectStatus.
func ParseStatus(value string) (ProjectStatus, bool) {
	normalized := ProjectStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits moving from s to
// next. Forward moves advance exactly one stage; failed is reachable from any
// non-terminal state; quality_check may return to generating.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	if s == StatusQualityCheck && next == StatusGenerating {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Settings captures the pipeline configuration a user commits to.
type Settings struct {
	Engine      string `json:"engine"`
	QualityTier string `json:"quality_tier"`
	Resolution  string `json:"resolution"`
	DurationSec int    `json:"duration_sec"`
	AspectRatio string `json:"aspect_ratio"`
	VoiceOver   bool   `json:"voice_over"`
	Music       bool   `json:"music"`
}

// Project is a unit of pipeline work owned by one user.
type Project struct {
	ID           string
	UserID       string
	Prompt       string
	Status       ProjectStatus
	Settings     Settings
	Script       string
	Storyboard   string
	OutputsJSON  string
	ErrorMessage string
	ErrorStage   string
	Parked       bool
	ParkReason   string
	QualityCycle int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HealthSummary describes aggregated project counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Active    int
	Parked    int
	Completed int
	Failed    int
}

// IsActive reports whether the project is still moving through the pipeline.
func (p *Project) IsActive() bool {
	return !p.Status.IsTerminal()
}

// SetFailed marks the project failed, recording the triggering stage and error.
func (p *Project) SetFailed(stage, message string) {
	p.Status = StatusFailed
	p.ErrorMessage = message
	p.ErrorStage = stage
	p.Parked = false
	p.ParkReason = ""
}

// Park holds the project in its current state. Parked projects are excluded
// from dispatch but remain resumable, unlike failed ones.
func (p *Project) Park(reason string) {
	p.Parked = true
	p.ParkReason = reason
}

// Unpark clears the parked flag so dispatch can resume.
func (p *Project) Unpark() {
	p.Parked = false
	p.ParkReason = ""
}
