package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveQualityResult records a quality check result for a render task.
func (s *Store) SaveQualityResult(ctx context.Context, projectID, taskID string, result QualityCheckResult) error {
	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO quality_results (task_id, project_id, passed, score, issues_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		taskID,
		projectID,
		boolToInt(result.Passed),
		result.Score,
		string(issuesJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert quality result: %w", err)
	}
	return nil
}

// QualityResultForTask returns the most recent quality result recorded for a
// task, or nil when none exists.
func (s *Store) QualityResultForTask(ctx context.Context, taskID string) (*QualityCheckResult, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT passed, score, issues_json FROM quality_results WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID,
	)
	var (
		passed     int
		score      float64
		issuesJSON sql.NullString
	)
	if err := row.Scan(&passed, &score, &issuesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("quality result for task: %w", err)
	}

	result := QualityCheckResult{Passed: passed != 0, Score: score}
	if issuesJSON.Valid && issuesJSON.String != "" {
		if err := json.Unmarshal([]byte(issuesJSON.String), &result.Issues); err != nil {
			return nil, fmt.Errorf("decode issues: %w", err)
		}
	}
	return &result, nil
}
