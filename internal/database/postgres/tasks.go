package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
)

// TaskRepository persists background tasks.
type TaskRepository struct {
	pool *Pool
}

// NewTaskRepository creates a new PostgreSQL task repository.
func NewTaskRepository(pool *Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

// taskRow mirrors background_tasks; payload is read as text so sqlx can scan it.
type taskRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Payload   string    `db:"payload"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (t taskRow) toTask() database.BackgroundTask {
	return database.BackgroundTask{
		ID:        t.ID,
		Type:      database.TaskType(t.Type),
		Payload:   []byte(t.Payload),
		Status:    database.TaskStatus(t.Status),
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

const taskColumns = "id, type, payload::text AS payload, status, error, created_at, updated_at"

// CreateTask inserts a task.
func (r *TaskRepository) CreateTask(ctx context.Context, task *database.BackgroundTask) error {
	if task.Status == "" {
		task.Status = database.TaskStatusPending
	}
	err := r.pool.X().QueryRowxContext(ctx, `
		INSERT INTO background_tasks (id, type, payload, status)
		VALUES ($1, $2, $3::jsonb, $4)
		RETURNING created_at, updated_at
	`, task.ID, string(task.Type), string(task.Payload), string(task.Status)).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (r *TaskRepository) GetTask(ctx context.Context, id string) (*database.BackgroundTask, error) {
	var row taskRow
	err := r.pool.X().GetContext(ctx, &row, "SELECT "+taskColumns+" FROM background_tasks WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t := row.toTask()
	return &t, nil
}

// UpdateTaskStatus sets the status and error message of a task.
func (r *TaskRepository) UpdateTaskStatus(ctx context.Context, id string, status database.TaskStatus, errMsg string) error {
	res, err := r.pool.X().ExecContext(ctx,
		"UPDATE background_tasks SET status = $2, error = $3, updated_at = NOW() WHERE id = $1",
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, database.ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (r *TaskRepository) ListTasks(ctx context.Context, status database.TaskStatus, limit int) ([]database.BackgroundTask, error) {
	var rows []taskRow
	err := r.pool.X().SelectContext(ctx, &rows, `
		SELECT `+taskColumns+`
		FROM background_tasks
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]database.BackgroundTask, len(rows))
	for i, row := range rows {
		tasks[i] = row.toTask()
	}
	return tasks, nil
}

// DeleteTerminalTasksBefore prunes completed and failed tasks last updated before cutoff.
func (r *TaskRepository) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.pool.X().ExecContext(ctx,
		"DELETE FROM background_tasks WHERE status IN ($1, $2) AND updated_at < $3",
		string(database.TaskStatusCompleted), string(database.TaskStatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
