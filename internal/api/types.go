package api

import (
	"time"

	"vidforge/internal/credits"
	"vidforge/internal/orchestrator"
	"vidforge/internal/store"
)

// GenerateRequest is the submission payload.
type GenerateRequest struct {
	UserID   string         `json:"user_id"`
	Prompt   string         `json:"prompt"`
	Settings store.Settings `json:"settings"`
}

// GenerateResponse returns the created project and its full-pipeline estimate.
type GenerateResponse struct {
	Project  ProjectView          `json:"project"`
	Estimate credits.CostEstimate `json:"estimate"`
}

// ProjectView is the wire shape of a project.
type ProjectView struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Prompt       string         `json:"prompt"`
	Status       string         `json:"status"`
	Settings     store.Settings `json:"settings"`
	Parked       bool           `json:"parked"`
	ParkReason   string         `json:"park_reason,omitempty"`
	QualityCycle int            `json:"quality_cycle"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStage   string         `json:"error_stage,omitempty"`
	OutputsJSON  string         `json:"outputs_json,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskView is the wire shape of a task.
type TaskView struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Stage        string     `json:"stage"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	Attempts     int        `json:"attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ProjectResponse is the project detail payload.
type ProjectResponse struct {
	Project  ProjectView               `json:"project"`
	Tasks    []TaskView                `json:"tasks"`
	Estimate credits.CostEstimate      `json:"estimate"`
	Quality  *store.QualityCheckResult `json:"quality,omitempty"`
}

// ProjectListResponse is the project listing payload.
type ProjectListResponse struct {
	Projects []ProjectView `json:"projects"`
}

// CreditWebhookRequest is the payment provider grant event payload.
type CreditWebhookRequest struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	Amount  int64  `json:"credit_amount"`
}

// CreditWebhookResponse acknowledges a grant event.
type CreditWebhookResponse struct {
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
}

// AdminGrantRequest is the operator credit grant payload.
type AdminGrantRequest struct {
	Amount int64 `json:"amount"`
}

// BalanceResponse reports a user's credit balance.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// StatusResponse summarizes daemon and pipeline health.
type StatusResponse struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid"`
	DatabasePath string `json:"database_path"`
	Projects     struct {
		Total     int `json:"total"`
		Active    int `json:"active"`
		Parked    int `json:"parked"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"projects"`
}

// FromProject converts a stored project to its wire shape.
func FromProject(project *store.Project) ProjectView {
	return ProjectView{
		ID:           project.ID,
		UserID:       project.UserID,
		Prompt:       project.Prompt,
		Status:       string(project.Status),
		Settings:     project.Settings,
		Parked:       project.Parked,
		ParkReason:   project.ParkReason,
		QualityCycle: project.QualityCycle,
		ErrorMessage: project.ErrorMessage,
		ErrorStage:   project.ErrorStage,
		OutputsJSON:  project.OutputsJSON,
		CreatedAt:    project.CreatedAt,
		UpdatedAt:    project.UpdatedAt,
	}
}

// FromTask converts a stored task to its wire shape.
func FromTask(task *store.Task) TaskView {
	return TaskView{
		ID:           task.ID,
		Type:         string(task.Type),
		Stage:        string(task.Stage),
		Status:       string(task.Status),
		Progress:     task.Progress,
		Attempts:     task.Attempts,
		ErrorMessage: task.ErrorMessage,
		StartedAt:    task.StartedAt,
		FinishedAt:   task.FinishedAt,
	}
}

// FromSnapshot converts an orchestrator snapshot to the project detail payload.
func FromSnapshot(snapshot *orchestrator.Snapshot) ProjectResponse {
	tasks := make([]TaskView, 0, len(snapshot.Tasks))
	for _, task := range snapshot.Tasks {
		tasks = append(tasks, FromTask(task))
	}
	return ProjectResponse{
		Project:  FromProject(snapshot.Project),
		Tasks:    tasks,
		Estimate: snapshot.Estimate,
		Quality:  snapshot.Quality,
	}
}
