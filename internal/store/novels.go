package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateNovel inserts a novel and fills in its generated fields.
func (s *Store) CreateNovel(ctx context.Context, n *Novel) error {
	const q = `
		INSERT INTO novels (title, author, description, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	err := s.db.QueryRowContext(ctx, q, n.Title, n.Author, n.Description, n.Tags).
		Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create novel: %w", err)
	}
	return nil
}

// GetNovel returns one novel by id.
func (s *Store) GetNovel(ctx context.Context, id int64) (*Novel, error) {
	var n Novel
	err := s.db.GetContext(ctx, &n, `SELECT * FROM novels WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("novel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get novel %d: %w", id, err)
	}
	return &n, nil
}

// ListNovels returns all novels, newest first.
func (s *Store) ListNovels(ctx context.Context) ([]Novel, error) {
	var out []Novel
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM novels ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list novels: %w", err)
	}
	return out, nil
}

// RefreshNovelStats recomputes chapter totals from the chapters table.
func (s *Store) RefreshNovelStats(ctx context.Context, id int64) error {
	const q = `
		UPDATE novels SET
			total_chapters   = (SELECT COUNT(*) FROM chapters WHERE novel_id = $1),
			total_word_count = (SELECT COALESCE(SUM(word_count), 0) FROM chapters WHERE novel_id = $1),
			chapters_parsed  = TRUE,
			updated_at       = now()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("refresh novel stats: %w", err)
	}
	return nil
}
