package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TaskFilter narrows ListTasks. Zero fields are ignored.
type TaskFilter struct {
	NovelID int64
	Status  TaskStatus
}

// CreateTask inserts a task in created state and fills generated fields.
func (s *Store) CreateTask(ctx context.Context, ex sqlx.ExtContext, t *Task) error {
	const q = `
		INSERT INTO kg_tasks (task_name, novel_id, chapter_ids, use_ai, total_chapters,
			auto_retry_enabled, retry_interval_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, status, created_at, updated_at`
	err := ex.QueryRowxContext(ctx, q,
		t.TaskName, t.NovelID, t.ChapterIDs, t.UseAI, t.TotalChapters,
		t.AutoRetryEnabled, t.RetryIntervalMinutes).
		Scan(&t.ID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM kg_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// GetTaskForUpdate loads a task under a row-level lock. Concurrent callers
// serialize here, which is what makes try-start atomic.
func (s *Store) GetTaskForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*Task, error) {
	var t Task
	err := tx.GetContext(ctx, &t, `SELECT * FROM kg_tasks WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := `SELECT * FROM kg_tasks`
	var (
		conds []string
		args  []any
	)
	if f.NovelID != 0 {
		args = append(args, f.NovelID)
		conds = append(conds, fmt.Sprintf("novel_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC"

	var out []Task
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ListTasksByStatus returns up to limit tasks in the given state, oldest
// first so recovery drains in submission order. A zero limit means all.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	const q = `SELECT * FROM kg_tasks WHERE status = $1 ORDER BY created_at LIMIT NULLIF($2, 0)`
	var out []Task
	if err := s.db.SelectContext(ctx, &out, q, status, limit); err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	return out, nil
}

// ListRetryDueTasks returns failed tasks whose scheduled retry time has
// passed.
func (s *Store) ListRetryDueTasks(ctx context.Context, limit int) ([]Task, error) {
	const q = `
		SELECT * FROM kg_tasks
		WHERE status = 'failed' AND auto_retry_enabled AND retry_scheduled_at <= now()
		ORDER BY retry_scheduled_at LIMIT $1`
	var out []Task
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list retry-due tasks: %w", err)
	}
	return out, nil
}

// DeleteTask removes a task; chapter status rows cascade.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kg_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTaskRunning transitions a task to running. started_at is set only on
// the first start so restarts of paused tasks keep the original time.
func (s *Store) MarkTaskRunning(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'running',
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// MarkTaskCreated returns a task to the created state without touching its
// counters. Used when resuming a paused task and when reclaiming work from a
// dead worker.
func (s *Store) MarkTaskCreated(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'created', current_chapter_id = NULL, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// MarkTaskPaused transitions a task to paused.
func (s *Store) MarkTaskPaused(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'paused', paused_at = now(), updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// MarkTaskCompleted transitions a task to completed and clears the cursor.
func (s *Store) MarkTaskCompleted(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'completed', completed_at = now(),
			current_chapter_id = NULL, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// MarkTaskFailed transitions a task to failed and, when auto-retry is on,
// schedules the next attempt from the row's own interval.
func (s *Store) MarkTaskFailed(ctx context.Context, ex sqlx.ExtContext, id int64, errMsg string) error {
	const q = `
		UPDATE kg_tasks SET status = 'failed',
			error_message = $2,
			failed_at = now(),
			retry_scheduled_at = CASE WHEN auto_retry_enabled
				THEN now() + make_interval(mins => retry_interval_minutes)
				ELSE NULL END,
			updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id, errMsg)
}

// MarkTaskCancelled transitions a task to cancelled.
func (s *Store) MarkTaskCancelled(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'cancelled', current_chapter_id = NULL, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// ResetTaskForRestart returns a finished task to created with cleared
// progress so it can run from scratch.
func (s *Store) ResetTaskForRestart(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'created',
			completed_chapters = 0, failed_chapters = 0, skipped_chapters = 0,
			total_entities = 0, total_relations = 0,
			current_chapter_id = NULL, error_message = NULL, last_error_chapter_id = NULL,
			failed_at = NULL, retry_scheduled_at = NULL, retry_count = 0,
			started_at = NULL, completed_at = NULL, paused_at = NULL,
			updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// ActivateTaskRetry moves a failed task back to paused and consumes its
// retry slot. Failed chapter rows are reset separately in the same tx.
func (s *Store) ActivateTaskRetry(ctx context.Context, ex sqlx.ExtContext, id int64) error {
	const q = `
		UPDATE kg_tasks SET status = 'paused',
			retry_count = retry_count + 1,
			retry_scheduled_at = NULL,
			paused_at = now(),
			updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, id)
}

// SetCurrentChapter records the chapter a worker is on.
func (s *Store) SetCurrentChapter(ctx context.Context, ex sqlx.ExtContext, taskID int64, chapterID sql.NullInt64) error {
	const q = `UPDATE kg_tasks SET current_chapter_id = $2, updated_at = now() WHERE id = $1`
	return s.execTask(ctx, ex, q, taskID, chapterID)
}

// SetTaskError records the latest chapter-level error without changing
// the task state.
func (s *Store) SetTaskError(ctx context.Context, ex sqlx.ExtContext, taskID int64, errMsg string, chapterID int64) error {
	const q = `
		UPDATE kg_tasks SET error_message = $2, last_error_chapter_id = $3, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, taskID, errMsg, chapterID)
}

// UpdateTaskCounters overwrites the progress counters from a fresh
// aggregation of chapter statuses.
func (s *Store) UpdateTaskCounters(ctx context.Context, ex sqlx.ExtContext, taskID int64, c StatusCounts) error {
	const q = `
		UPDATE kg_tasks SET completed_chapters = $2, failed_chapters = $3,
			skipped_chapters = $4, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, taskID, c.Completed, c.Failed, c.Skipped)
}

// ClearTaskError wipes the recorded error fields without touching state.
func (s *Store) ClearTaskError(ctx context.Context, ex sqlx.ExtContext, taskID int64) error {
	const q = `
		UPDATE kg_tasks SET error_message = NULL, last_error_chapter_id = NULL, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, taskID)
}

// SetTaskAutoRetry updates the automatic retry policy. Disabling also
// cancels a pending schedule.
func (s *Store) SetTaskAutoRetry(ctx context.Context, id int64, enabled bool, intervalMinutes int) error {
	const q = `
		UPDATE kg_tasks SET auto_retry_enabled = $2,
			retry_interval_minutes = $3,
			retry_scheduled_at = CASE WHEN $2 THEN retry_scheduled_at ELSE NULL END,
			updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, s.db, q, id, enabled, intervalMinutes)
}

// AddTaskTotals appends extraction output counts to the cumulative totals.
func (s *Store) AddTaskTotals(ctx context.Context, ex sqlx.ExtContext, taskID int64, entities, relations int) error {
	const q = `
		UPDATE kg_tasks SET total_entities = total_entities + $2,
			total_relations = total_relations + $3, updated_at = now()
		WHERE id = $1`
	return s.execTask(ctx, ex, q, taskID, entities, relations)
}

func (s *Store) execTask(ctx context.Context, ex sqlx.ExtContext, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %v: %w", args[0], ErrNotFound)
	}
	return nil
}
