package store

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Bind as pgx so $N placeholders survive Rebind.
	st := NewWithDB(sqlx.NewDb(db, "pgx"), slog.New(slog.DiscardHandler))
	return st, mock
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE kg_tasks SET status = 'running'`)).
			WithArgs(int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
			return st.MarkTaskRunning(ctx, tx, 1)
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		sentinel := errors.New("boom")
		err := st.WithTx(ctx, func(tx *sqlx.Tx) error { return sentinel })
		if !errors.Is(err, sentinel) {
			t.Fatalf("WithTx = %v, want %v", err, sentinel)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestTaskTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("missing row maps to ErrNotFound", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE kg_tasks SET status = 'paused'`)).
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := st.MarkTaskPaused(ctx, st.DB(), 42)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkTaskPaused = %v, want ErrNotFound", err)
		}
	})

	t.Run("failed transition schedules retry in sql", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE kg_tasks SET status = 'failed'[\s\S]*make_interval`).
			WithArgs(int64(7), "llm timeout").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := st.MarkTaskFailed(ctx, st.DB(), 7, "llm timeout"); err != nil {
			t.Fatalf("MarkTaskFailed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("row lock on try-start read", func(t *testing.T) {
		st, mock := newMockStore(t)
		cols := []string{"id", "task_name", "novel_id", "use_ai", "status", "total_chapters",
			"completed_chapters", "failed_chapters", "skipped_chapters", "total_entities",
			"total_relations", "auto_retry_enabled", "retry_interval_minutes", "retry_count"}
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM kg_tasks WHERE id = $1 FOR UPDATE`)).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow(3, "t", 1, true, "paused", 5, 0, 0, 0, 0, 0, false, 10, 0))
		mock.ExpectCommit()

		err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
			task, err := st.GetTaskForUpdate(ctx, tx, 3)
			if err != nil {
				return err
			}
			if task.Status != TaskPaused {
				t.Fatalf("status = %s, want paused", task.Status)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
	})
}

func TestListTasksFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("no filter", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM kg_tasks ORDER BY created_at DESC`)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		if _, err := st.ListTasks(ctx, TaskFilter{}); err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
	})

	t.Run("novel and status", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE novel_id = $1 AND status = $2`)).
			WithArgs(int64(5), TaskRunning).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		if _, err := st.ListTasks(ctx, TaskFilter{NovelID: 5, Status: TaskRunning}); err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
	})
}

func TestCountChapterStates(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) AS n FROM kg_chapter_status`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow("completed", 4).
			AddRow("failed", 1).
			AddRow("pending", 2))

	c, err := st.CountChapterStates(ctx, st.DB(), 9)
	if err != nil {
		t.Fatalf("CountChapterStates: %v", err)
	}
	if c.Completed != 4 || c.Failed != 1 || c.Pending != 2 || c.Running != 0 {
		t.Fatalf("counts = %+v", c)
	}
	if c.Total() != 7 {
		t.Fatalf("Total() = %d, want 7", c.Total())
	}
}

func TestClaimChapter(t *testing.T) {
	ctx := context.Background()

	t.Run("claims pending row", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE kg_chapter_status SET status = 'running'`).
			WithArgs(int64(1), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := st.ClaimChapter(ctx, st.DB(), 1, 2)
		if err != nil || !ok {
			t.Fatalf("ClaimChapter = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("loses race", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE kg_chapter_status SET status = 'running'`).
			WithArgs(int64(1), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := st.ClaimChapter(ctx, st.DB(), 1, 2)
		if err != nil || ok {
			t.Fatalf("ClaimChapter = %v, %v; want false, nil", ok, err)
		}
	})
}
