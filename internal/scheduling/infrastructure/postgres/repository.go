package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	scheduling "fleet-dispatch/internal/scheduling/domain"
)

// TaskRepository is a Postgres implementation of scheduled task persistence.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository constructs a repository.
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, task_type, payload, schedule, target, status,
	next_run_at, last_run_at, retries, created_at, updated_at`

// Create inserts a task.
func (r *TaskRepository) Create(ctx context.Context, task *scheduling.ScheduledTask) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	if task == nil {
		return errors.New("task repo: nil task")
	}
	schedule, target, err := encodeTask(task)
	if err != nil {
		return err
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (
	id, task_type, payload, schedule, target, status,
	next_run_at, retries, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, task.ID, task.TaskType, payload, schedule, target, task.Status,
		nullableTime(task.NextRunAt), task.Retries,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	return err
}

// Get fetches a task by id.
func (r *TaskRepository) Get(ctx context.Context, id string) (*scheduling.ScheduledTask, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("task repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE id = $1
LIMIT 1`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, scheduling.ErrTaskNotFound
	}
	return task, nil
}

// Update persists a task's mutable fields.
func (r *TaskRepository) Update(ctx context.Context, task *scheduling.ScheduledTask) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	if task == nil {
		return errors.New("task repo: nil task")
	}
	schedule, target, err := encodeTask(task)
	if err != nil {
		return err
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET task_type = $1, payload = $2, schedule = $3, target = $4, status = $5,
	next_run_at = $6, last_run_at = $7, retries = $8, updated_at = $9
WHERE id = $10`,
		task.TaskType, payload, schedule, target, task.Status,
		nullableTime(task.NextRunAt), nullableTime(task.LastRunAt),
		task.Retries, task.UpdatedAt.UTC(), task.ID)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return scheduling.ErrTaskNotFound
	}
	return nil
}

// Delete removes a task. Execution history is kept.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return scheduling.ErrTaskNotFound
	}
	return nil
}

// ListDue returns active tasks whose nextRunAt has arrived.
func (r *TaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]scheduling.ScheduledTask, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("task repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
ORDER BY next_run_at ASC
LIMIT $3`, scheduling.TaskActive, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListUpcoming returns active tasks firing before the given time.
func (r *TaskRepository) ListUpcoming(ctx context.Context, until time.Time) ([]scheduling.ScheduledTask, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("task repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
ORDER BY next_run_at ASC`, scheduling.TaskActive, until.UTC())
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// RecordExecution inserts a new execution record.
func (r *TaskRepository) RecordExecution(ctx context.Context, exec *scheduling.TaskExecution) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	if exec == nil {
		return errors.New("task repo: nil execution")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_executions (
	id, task_id, status, success_count, failure_count, error, started_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, exec.ID, exec.TaskID, exec.Status, exec.SuccessCount, exec.FailureCount,
		exec.Error, exec.StartedAt.UTC())
	return err
}

// UpdateExecution finalizes an execution record.
func (r *TaskRepository) UpdateExecution(ctx context.Context, exec *scheduling.TaskExecution) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	if exec == nil {
		return errors.New("task repo: nil execution")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE task_executions
SET status = $1, success_count = $2, failure_count = $3, error = $4, completed_at = $5
WHERE id = $6`, exec.Status, exec.SuccessCount, exec.FailureCount, exec.Error,
		nullableTime(exec.CompletedAt), exec.ID)
	return err
}

// ListExecutions returns the most recent executions for a task.
func (r *TaskRepository) ListExecutions(ctx context.Context, taskID string, limit int) ([]scheduling.TaskExecution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("task repo: nil db")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, status, success_count, failure_count, error, started_at, completed_at
FROM task_executions
WHERE task_id = $1
ORDER BY started_at DESC
LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []scheduling.TaskExecution
	for rows.Next() {
		var exec scheduling.TaskExecution
		var errText sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&exec.ID,
			&exec.TaskID,
			&exec.Status,
			&exec.SuccessCount,
			&exec.FailureCount,
			&errText,
			&exec.StartedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if errText.Valid {
			exec.Error = errText.String
		}
		if completedAt.Valid {
			exec.CompletedAt = completedAt.Time.UTC()
		}
		exec.StartedAt = exec.StartedAt.UTC()
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func encodeTask(task *scheduling.ScheduledTask) ([]byte, []byte, error) {
	schedule, err := json.Marshal(task.Schedule)
	if err != nil {
		return nil, nil, err
	}
	target, err := json.Marshal(task.Target)
	if err != nil {
		return nil, nil, err
	}
	return schedule, target, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduling.ScheduledTask, error) {
	var task scheduling.ScheduledTask
	var payload, schedule, target []byte
	var nextRunAt, lastRunAt sql.NullTime
	if err := row.Scan(
		&task.ID,
		&task.TaskType,
		&payload,
		&schedule,
		&target,
		&task.Status,
		&nextRunAt,
		&lastRunAt,
		&task.Retries,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	task.Payload = payload
	if err := json.Unmarshal(schedule, &task.Schedule); err != nil {
		return nil, err
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &task.Target); err != nil {
			return nil, err
		}
	}
	if nextRunAt.Valid {
		task.NextRunAt = nextRunAt.Time.UTC()
	}
	if lastRunAt.Valid {
		task.LastRunAt = lastRunAt.Time.UTC()
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]scheduling.ScheduledTask, error) {
	defer rows.Close()
	var result []scheduling.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
