package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const projectColumns = `id, user_id, prompt, status, settings_json, script, storyboard, outputs_json,
    error_message, error_stage, parked, park_reason, quality_cycle, created_at, updated_at`

// CreateProject inserts a new project in draft status.
func (s *Store) CreateProject(ctx context.Context, userID, prompt string, settings Settings) (*Project, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO projects (
            id, user_id, prompt, status, settings_json, parked, quality_cycle, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		id,
		userID,
		prompt,
		StatusDraft,
		string(settingsJSON),
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return s.GetProject(ctx, id)
}

// GetProject fetches a project by identifier. Returns nil when absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// UpdateProject persists changes to an existing project.
func (s *Store) UpdateProject(ctx context.Context, project *Project) error {
	if project == nil {
		return errors.New("project is nil")
	}
	settingsJSON, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	project.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects
         SET user_id = ?, prompt = ?, status = ?, settings_json = ?, script = ?, storyboard = ?,
             outputs_json = ?, error_message = ?, error_stage = ?, parked = ?, park_reason = ?,
             quality_cycle = ?, updated_at = ?
         WHERE id = ?`,
		project.UserID,
		project.Prompt,
		project.Status,
		string(settingsJSON),
		nullableString(project.Script),
		nullableString(project.Storyboard),
		nullableString(project.OutputsJSON),
		nullableString(project.ErrorMessage),
		nullableString(project.ErrorStage),
		boolToInt(project.Parked),
		nullableString(project.ParkReason),
		project.QualityCycle,
		project.UpdatedAt.Format(time.RFC3339Nano),
		project.ID,
	); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// ListProjects returns projects filtered by status set (or all projects when
// no status is provided), oldest first.
func (s *Store) ListProjects(ctx context.Context, statuses ...ProjectStatus) ([]*Project, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + projectColumns + ` FROM projects`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ParkedProjects returns projects currently held for insufficient credit or
// operator intervention.
func (s *Store) ParkedProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE parked = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list parked projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ParkedProjectsForUser returns a user's parked projects, oldest first.
func (s *Store) ParkedProjectsForUser(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects WHERE parked = 1 AND user_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list parked projects for user: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// Health returns aggregated project counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	rows, err := s.db.QueryContext(ctx, `SELECT status, parked, COUNT(1) FROM projects GROUP BY status, parked`)
	if err != nil {
		return summary, fmt.Errorf("project health: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			parked int
			count  int
		)
		if err := rows.Scan(&status, &parked, &count); err != nil {
			return summary, fmt.Errorf("scan health row: %w", err)
		}
		summary.Total += count
		switch ProjectStatus(status) {
		case StatusCompleted:
			summary.Completed += count
		case StatusFailed:
			summary.Failed += count
		default:
			if parked != 0 {
				summary.Parked += count
			} else {
				summary.Active += count
			}
		}
	}
	return summary, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var (
		project      Project
		settingsJSON string
		script       sql.NullString
		storyboard   sql.NullString
		outputsJSON  sql.NullString
		errorMessage sql.NullString
		errorStage   sql.NullString
		parked       int
		parkReason   sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(
		&project.ID,
		&project.UserID,
		&project.Prompt,
		&project.Status,
		&settingsJSON,
		&script,
		&storyboard,
		&outputsJSON,
		&errorMessage,
		&errorStage,
		&parked,
		&parkReason,
		&project.QualityCycle,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settingsJSON), &project.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	project.Script = script.String
	project.Storyboard = storyboard.String
	project.OutputsJSON = outputsJSON.String
	project.ErrorMessage = errorMessage.String
	project.ErrorStage = errorStage.String
	project.Parked = parked != 0
	project.ParkReason = parkReason.String

	var err error
	if project.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if project.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &project, nil
}

func parseTimestamp(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return parsed.UTC(), nil
}
