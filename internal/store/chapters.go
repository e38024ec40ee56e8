package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CreateChapters bulk-inserts chapters for one novel.
func (s *Store) CreateChapters(ctx context.Context, chapters []Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	const q = `
		INSERT INTO chapters (novel_id, title, content, chapter_number, word_count)
		VALUES (:novel_id, :title, :content, :chapter_number, :word_count)`
	if _, err := s.db.NamedExecContext(ctx, q, chapters); err != nil {
		return fmt.Errorf("create chapters: %w", err)
	}
	return nil
}

// GetChapter returns one chapter by id, content included.
func (s *Store) GetChapter(ctx context.Context, id int64) (*Chapter, error) {
	var c Chapter
	err := s.db.GetContext(ctx, &c, `SELECT * FROM chapters WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter %d: %w", id, err)
	}
	return &c, nil
}

// ListChapterIDs returns all chapter ids of a novel in reading order.
func (s *Store) ListChapterIDs(ctx context.Context, novelID int64) ([]int64, error) {
	var ids []int64
	const q = `SELECT id FROM chapters WHERE novel_id = $1 ORDER BY chapter_number`
	if err := s.db.SelectContext(ctx, &ids, q, novelID); err != nil {
		return nil, fmt.Errorf("list chapter ids: %w", err)
	}
	return ids, nil
}

// ListChaptersByIDs loads the given chapters. Missing ids are silently
// absent from the result; callers that care compare lengths.
func (s *Store) ListChaptersByIDs(ctx context.Context, ids []int64) ([]Chapter, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT * FROM chapters WHERE id IN (?) ORDER BY chapter_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("build chapter query: %w", err)
	}
	var out []Chapter
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	return out, nil
}
