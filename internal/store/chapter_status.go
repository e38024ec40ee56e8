package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InitChapterStatuses creates one pending row per chapter for a task.
// Existing rows are left untouched so the call is safe to repeat.
func (s *Store) InitChapterStatuses(ctx context.Context, ex sqlx.ExtContext, taskID int64, chapterIDs []int64) error {
	const q = `
		INSERT INTO kg_chapter_status (task_id, chapter_id)
		VALUES ($1, $2)
		ON CONFLICT (task_id, chapter_id) DO NOTHING`
	for _, cid := range chapterIDs {
		if _, err := ex.ExecContext(ctx, q, taskID, cid); err != nil {
			return fmt.Errorf("init chapter status %d/%d: %w", taskID, cid, err)
		}
	}
	return nil
}

// GetChapterStatus returns the status row for one (task, chapter) pair.
func (s *Store) GetChapterStatus(ctx context.Context, taskID, chapterID int64) (*ChapterStatus, error) {
	var cs ChapterStatus
	const q = `SELECT * FROM kg_chapter_status WHERE task_id = $1 AND chapter_id = $2`
	err := s.db.GetContext(ctx, &cs, q, taskID, chapterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter status %d/%d: %w", taskID, chapterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter status %d/%d: %w", taskID, chapterID, err)
	}
	return &cs, nil
}

// ClaimChapter moves a pending chapter to running. It reports false when
// the row was not pending, which means another worker got there first.
func (s *Store) ClaimChapter(ctx context.Context, ex sqlx.ExtContext, taskID, chapterID int64) (bool, error) {
	const q = `
		UPDATE kg_chapter_status SET status = 'running', started_at = now(), updated_at = now()
		WHERE task_id = $1 AND chapter_id = $2 AND status = 'pending'`
	res, err := ex.ExecContext(ctx, q, taskID, chapterID)
	if err != nil {
		return false, fmt.Errorf("claim chapter %d/%d: %w", taskID, chapterID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseChapter puts a running chapter back to pending, used when a worker
// claims a ref and then discovers the task is no longer runnable.
func (s *Store) ReleaseChapter(ctx context.Context, ex sqlx.ExtContext, taskID, chapterID int64) error {
	const q = `
		UPDATE kg_chapter_status SET status = 'pending', started_at = NULL, updated_at = now()
		WHERE task_id = $1 AND chapter_id = $2 AND status = 'running'`
	if _, err := ex.ExecContext(ctx, q, taskID, chapterID); err != nil {
		return fmt.Errorf("release chapter %d/%d: %w", taskID, chapterID, err)
	}
	return nil
}

// CompleteChapter finalizes one chapter with its extraction counts.
func (s *Store) CompleteChapter(ctx context.Context, ex sqlx.ExtContext, taskID, chapterID int64, entities, relations int) error {
	const q = `
		UPDATE kg_chapter_status SET status = 'completed',
			entities_extracted = $3, relations_extracted = $4,
			error_message = NULL, completed_at = now(), updated_at = now()
		WHERE task_id = $1 AND chapter_id = $2`
	if _, err := ex.ExecContext(ctx, q, taskID, chapterID, entities, relations); err != nil {
		return fmt.Errorf("complete chapter %d/%d: %w", taskID, chapterID, err)
	}
	return nil
}

// FailChapter finalizes one chapter with its error.
func (s *Store) FailChapter(ctx context.Context, ex sqlx.ExtContext, taskID, chapterID int64, errMsg string) error {
	const q = `
		UPDATE kg_chapter_status SET status = 'failed',
			error_message = $3, completed_at = now(), updated_at = now()
		WHERE task_id = $1 AND chapter_id = $2`
	if _, err := ex.ExecContext(ctx, q, taskID, chapterID, errMsg); err != nil {
		return fmt.Errorf("fail chapter %d/%d: %w", taskID, chapterID, err)
	}
	return nil
}

// SkipChapter marks a chapter skipped, e.g. when its content is too short
// to extract from.
func (s *Store) SkipChapter(ctx context.Context, ex sqlx.ExtContext, taskID, chapterID int64, reason string) error {
	const q = `
		UPDATE kg_chapter_status SET status = 'skipped',
			error_message = $3, completed_at = now(), updated_at = now()
		WHERE task_id = $1 AND chapter_id = $2`
	if _, err := ex.ExecContext(ctx, q, taskID, chapterID, reason); err != nil {
		return fmt.Errorf("skip chapter %d/%d: %w", taskID, chapterID, err)
	}
	return nil
}

// CountChapterStates aggregates a task's chapter rows by state.
func (s *Store) CountChapterStates(ctx context.Context, ex sqlx.ExtContext, taskID int64) (StatusCounts, error) {
	const q = `SELECT status, COUNT(*) AS n FROM kg_chapter_status WHERE task_id = $1 GROUP BY status`
	var rows []struct {
		Status ChapterState `db:"status"`
		N      int          `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, ex, &rows, q, taskID); err != nil {
		return StatusCounts{}, fmt.Errorf("count chapter states: %w", err)
	}
	var c StatusCounts
	for _, r := range rows {
		switch r.Status {
		case ChapterPending:
			c.Pending = r.N
		case ChapterRunning:
			c.Running = r.N
		case ChapterCompleted:
			c.Completed = r.N
		case ChapterFailed:
			c.Failed = r.N
		case ChapterSkipped:
			c.Skipped = r.N
		}
	}
	return c, nil
}

// ListChapterIDsByState returns the chapter ids of a task in one state, in
// insertion order.
func (s *Store) ListChapterIDsByState(ctx context.Context, taskID int64, state ChapterState) ([]int64, error) {
	const q = `SELECT chapter_id FROM kg_chapter_status WHERE task_id = $1 AND status = $2 ORDER BY id`
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, q, taskID, state); err != nil {
		return nil, fmt.Errorf("list %s chapters: %w", state, err)
	}
	return ids, nil
}

// ListChapterStatuses returns all status rows of a task.
func (s *Store) ListChapterStatuses(ctx context.Context, taskID int64) ([]ChapterStatus, error) {
	const q = `SELECT * FROM kg_chapter_status WHERE task_id = $1 ORDER BY id`
	var out []ChapterStatus
	if err := s.db.SelectContext(ctx, &out, q, taskID); err != nil {
		return nil, fmt.Errorf("list chapter statuses: %w", err)
	}
	return out, nil
}

// ResetChapterStates moves every chapter of a task in one state to another,
// clearing error and timing fields. Returns the number of rows moved.
func (s *Store) ResetChapterStates(ctx context.Context, ex sqlx.ExtContext, taskID int64, from, to ChapterState) (int64, error) {
	const q = `
		UPDATE kg_chapter_status SET status = $3,
			error_message = NULL, started_at = NULL, completed_at = NULL, updated_at = now()
		WHERE task_id = $1 AND status = $2`
	res, err := ex.ExecContext(ctx, q, taskID, from, to)
	if err != nil {
		return 0, fmt.Errorf("reset %s chapters: %w", from, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetAllChapters returns every chapter row of a task to pending with
// cleared counters, for a full restart.
func (s *Store) ResetAllChapters(ctx context.Context, ex sqlx.ExtContext, taskID int64) error {
	const q = `
		UPDATE kg_chapter_status SET status = 'pending',
			entities_extracted = 0, relations_extracted = 0,
			error_message = NULL, started_at = NULL, completed_at = NULL, updated_at = now()
		WHERE task_id = $1`
	if _, err := ex.ExecContext(ctx, q, taskID); err != nil {
		return fmt.Errorf("reset chapters for task %d: %w", taskID, err)
	}
	return nil
}
