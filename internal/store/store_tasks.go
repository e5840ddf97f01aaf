package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, project_id, type, stage, wave, status, progress, attempts, not_before,
    cancel_wanted, error_message, result_json, last_heartbeat, started_at, finished_at,
    created_at, updated_at`

const claimAttempts = 3

// CreateTask inserts a pending task for a project. The project must already
// be in the status during which the task's type runs; enqueueing work for a
// different stage is rejected with ErrStageMismatch. Wave orders tasks within
// a stage; tasks sharing a wave may run concurrently.
func (s *Store) CreateTask(ctx context.Context, projectID string, taskType TaskType, wave int) (*Task, error) {
	stage := taskType.StageFor()
	if stage == "" {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	if project.Status != stage {
		return nil, fmt.Errorf("%w: %s tasks run during %s, project is %s",
			ErrStageMismatch, taskType, stage, project.Status)
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO tasks (
            id, project_id, type, stage, wave, status, progress, attempts,
            cancel_wanted, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		id,
		projectID,
		taskType,
		stage,
		wave,
		TaskPending,
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return s.GetTask(ctx, id)
}

// GetTask fetches a task by identifier. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask persists changes to an existing task. Terminal statuses are
// immutable: updates against a task already completed, failed, or cancelled
// in the database only apply when the stored status is non-terminal.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	task.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, progress = ?, attempts = ?, not_before = ?, cancel_wanted = ?,
             error_message = ?, result_json = ?, last_heartbeat = ?, started_at = ?,
             finished_at = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		task.Status,
		task.Progress,
		task.Attempts,
		nullableTime(notBeforePtr(task.NotBefore)),
		boolToInt(task.CancelWanted),
		nullableString(task.ErrorMessage),
		nullableString(task.ResultJSON),
		nullableTime(task.LastHeartbeat),
		nullableTime(task.StartedAt),
		nullableTime(task.FinishedAt),
		task.UpdatedAt.Format(time.RFC3339Nano),
		task.ID,
		TaskCompleted,
		TaskFailed,
		TaskCancelled,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrTerminalTask)
	}
	return nil
}

// TasksForProject returns all tasks of a project, oldest first.
func (s *Store) TasksForProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("tasks for project: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StageTasks returns a project's tasks belonging to one stage, oldest first.
func (s *Store) StageTasks(ctx context.Context, projectID string, stage ProjectStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND stage = ? ORDER BY created_at`,
		projectID,
		stage,
	)
	if err != nil {
		return nil, fmt.Errorf("stage tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimNextTask atomically claims the oldest eligible pending task whose type
// is within the worker's capability set. Eligibility enforces stage ordering
// (the task's stage must match its project's current status), intra-stage
// waves, backoff windows, parked projects, and the per-project concurrency cap.
// Returns nil when nothing is eligible.
func (s *Store) ClaimNextTask(ctx context.Context, capabilities []TaskType, perProjectCap int) (*Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}
	if perProjectCap < 1 {
		perProjectCap = 1
	}

	placeholders := makePlaceholders(len(capabilities))
	query := `SELECT ` + taskColumns + ` FROM tasks t
        WHERE t.status = ?
          AND t.type IN (` + placeholders + `)
          AND (t.not_before IS NULL OR t.not_before <= ?)
          AND EXISTS (
              SELECT 1 FROM projects p
              WHERE p.id = t.project_id AND p.status = t.stage AND p.parked = 0
          )
          AND (
              SELECT COUNT(1) FROM tasks r
              WHERE r.project_id = t.project_id AND r.status = ?
          ) < ?
          AND NOT EXISTS (
              SELECT 1 FROM tasks w
              WHERE w.project_id = t.project_id AND w.stage = t.stage
                AND w.wave < t.wave AND w.status != ?
          )
        ORDER BY t.created_at
        LIMIT 1`

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := time.Now().UTC()
		args := make([]any, 0, len(capabilities)+5)
		args = append(args, TaskPending)
		for _, capability := range capabilities {
			args = append(args, capability)
		}
		args = append(args, now.Format(time.RFC3339Nano), TaskRunning, perProjectCap, TaskCompleted)

		row := s.db.QueryRowContext(ctx, query, args...)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select eligible task: %w", err)
		}

		res, err := s.execWithRetry(
			ctx,
			`UPDATE tasks
             SET status = ?, attempts = attempts + 1, started_at = ?, last_heartbeat = ?,
                 error_message = NULL, updated_at = ?
             WHERE id = ? AND status = ?`,
			TaskRunning,
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			task.ID,
			TaskPending,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the claim race; try the next candidate.
			continue
		}
		return s.GetTask(ctx, task.ID)
	}
	return nil, nil
}

// CancelPendingTasks transitions a project's pending tasks straight to
// cancelled and returns how many were affected.
func (s *Store) CancelPendingTasks(ctx context.Context, projectID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, finished_at = ?, updated_at = ?
         WHERE project_id = ? AND status = ?`,
		TaskCancelled,
		now,
		now,
		projectID,
		TaskPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	return res.RowsAffected()
}

// FlagRunningForCancel sets the cooperative cancellation flag on a project's
// running tasks. Workers observe the flag at their next checkpoint.
func (s *Store) FlagRunningForCancel(ctx context.Context, projectID string) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks SET cancel_wanted = 1, updated_at = ? WHERE project_id = ? AND status = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		projectID,
		TaskRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("flag running tasks: %w", err)
	}
	return res.RowsAffected()
}

// CancelWanted reports whether cooperative cancellation has been requested for
// a task.
func (s *Store) CancelWanted(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_wanted FROM tasks WHERE id = ?`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel wanted: %w", err)
	}
	return flag != 0, nil
}

// UpdateTaskHeartbeat stamps the last heartbeat for an in-flight task.
func (s *Store) UpdateTaskHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now,
		now,
		id,
		TaskRunning,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// UpdateTaskProgress persists a progress percentage for an in-flight task.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, percent float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		percent,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		TaskRunning,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// ReclaimStaleRunning returns running tasks with expired heartbeats to pending
// so another worker can pick them up.
func (s *Store) ReclaimStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE tasks
         SET status = ?, started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		TaskPending,
		now,
		TaskRunning,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (*Task, error) {
	var (
		task          Task
		notBefore     sql.NullString
		cancelWanted  int
		errorMessage  sql.NullString
		resultJSON    sql.NullString
		lastHeartbeat sql.NullString
		startedAt     sql.NullString
		finishedAt    sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Type,
		&task.Stage,
		&task.Wave,
		&task.Status,
		&task.Progress,
		&task.Attempts,
		&notBefore,
		&cancelWanted,
		&errorMessage,
		&resultJSON,
		&lastHeartbeat,
		&startedAt,
		&finishedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	task.CancelWanted = cancelWanted != 0
	task.ErrorMessage = errorMessage.String
	task.ResultJSON = resultJSON.String

	var err error
	if notBefore.Valid {
		parsed, perr := parseTimestamp(notBefore.String)
		if perr != nil {
			return nil, perr
		}
		task.NotBefore = parsed
	}
	if task.LastHeartbeat, err = parseOptionalTimestamp(lastHeartbeat); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseOptionalTimestamp(startedAt); err != nil {
		return nil, err
	}
	if task.FinishedAt, err = parseOptionalTimestamp(finishedAt); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

func parseOptionalTimestamp(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	parsed, err := parseTimestamp(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func notBeforePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
