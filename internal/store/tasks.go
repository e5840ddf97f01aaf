package store

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskType identifies one kind of dispatched pipeline work.
type TaskType string

const (
	TaskScriptGeneration   TaskType = "script_generation"
	TaskStoryboardCreation TaskType = "storyboard_creation"
	TaskVideoGeneration    TaskType = "video_generation"
	TaskVoiceSynthesis     TaskType = "voice_synthesis"
	TaskMusicGeneration    TaskType = "music_generation"
	TaskPostProcessing     TaskType = "post_processing"
	TaskQualityCheck       TaskType = "quality_check"
	TaskFinalRender        TaskType = "final_render"
)

var allTaskTypes = []TaskType{
	TaskScriptGeneration,
	TaskStoryboardCreation,
	TaskVideoGeneration,
	TaskVoiceSynthesis,
	TaskMusicGeneration,
	TaskPostProcessing,
	TaskQualityCheck,
	TaskFinalRender,
}

var taskTypeSet = func() map[TaskType]struct{} {
	set := make(map[TaskType]struct{}, len(allTaskTypes))
	for _, t := range allTaskTypes {
		set[t] = struct{}{}
	}
	return set
}()

// stageForTaskType maps a task type to the project status during which it runs.
var stageForTaskType = map[TaskType]ProjectStatus{
	TaskScriptGeneration:   StatusScripting,
	TaskStoryboardCreation: StatusStoryboarding,
	TaskVideoGeneration:    StatusGenerating,
	TaskVoiceSynthesis:     StatusGenerating,
	TaskMusicGeneration:    StatusGenerating,
	TaskPostProcessing:     StatusPostProcessing,
	TaskFinalRender:        StatusPostProcessing,
	TaskQualityCheck:       StatusQualityCheck,
}

// AllTaskTypes returns the known task types in pipeline order.
func AllTaskTypes() []TaskType {
	cp := make([]TaskType, len(allTaskTypes))
	copy(cp, allTaskTypes)
	return cp
}

// ParseTaskType converts a string into a known TaskType.
func ParseTaskType(value string) (TaskType, bool) {
	normalized := TaskType(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := taskTypeSet[normalized]
	return normalized, ok
}

// StageFor returns the project status during which tasks of this type run.
func (t TaskType) StageFor() ProjectStatus {
	return stageForTaskType[t]
}

// TaskStatus represents the lifecycle of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether a task status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of dispatched work tied to exactly one project.
type Task struct {
	ID            string
	ProjectID     string
	Type          TaskType
	Stage         ProjectStatus
	Wave          int
	Status        TaskStatus
	Progress      float64
	Attempts      int
	NotBefore     time.Time
	CancelWanted  bool
	ErrorMessage  string
	ResultJSON    string
	LastHeartbeat *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Result decodes the task's typed result payload. A zero TaskResult is
// returned when no result has been recorded.
func (t *Task) Result() TaskResult {
	var result TaskResult
	if strings.TrimSpace(t.ResultJSON) == "" {
		return result
	}
	_ = json.Unmarshal([]byte(t.ResultJSON), &result)
	return result
}

// SetResult encodes and attaches a typed result payload.
func (t *Task) SetResult(result TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	t.ResultJSON = string(data)
	return nil
}

// TaskResult is a tagged union keyed by task type; exactly one variant is set
// for a completed task.
type TaskResult struct {
	Script     *ScriptResult       `json:"script,omitempty"`
	Storyboard *StoryboardResult   `json:"storyboard,omitempty"`
	Video      *MediaResult        `json:"video,omitempty"`
	Voice      *AudioResult        `json:"voice,omitempty"`
	Music      *AudioResult        `json:"music,omitempty"`
	Post       *MediaResult        `json:"post,omitempty"`
	Quality    *QualityCheckResult `json:"quality,omitempty"`
	Render     *RenderResult       `json:"render,omitempty"`
}

// ScriptResult carries the generated narration script.
type ScriptResult struct {
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// StoryboardResult carries the generated shot list.
type StoryboardResult struct {
	StoryboardJSON string `json:"storyboard_json"`
	SceneCount     int    `json:"scene_count"`
}

// AudioResult references a synthesized audio asset.
type AudioResult struct {
	StorageKey  string  `json:"storage_key"`
	DurationSec float64 `json:"duration_sec"`
}

// MediaResult references a generated or processed video asset.
type MediaResult struct {
	StorageKey  string  `json:"storage_key"`
	DurationSec float64 `json:"duration_sec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FrameRate   float64 `json:"frame_rate"`
}

// RenderResult references the final rendered output together with the probe
// data the quality gate inspects.
type RenderResult struct {
	StorageKey       string  `json:"storage_key"`
	DurationSec      float64 `json:"duration_sec"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	FrameRate        float64 `json:"frame_rate"`
	FrozenFrameRatio float64 `json:"frozen_frame_ratio"`
	MeanBrightness   float64 `json:"mean_brightness"`
	SharpnessScore   float64 `json:"sharpness_score"`
}

// IssueSeverity grades quality issues.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// QualityIssue describes one defect found during quality control.
type QualityIssue struct {
	Type         string        `json:"type"`
	Severity     IssueSeverity `json:"severity"`
	Description  string        `json:"description"`
	TimestampSec *float64      `json:"timestamp_sec,omitempty"`
}

// QualityCheckResult is produced once per render attempt.
type QualityCheckResult struct {
	Passed bool           `json:"passed"`
	Score  float64        `json:"score"`
	Issues []QualityIssue `json:"issues,omitempty"`
}
