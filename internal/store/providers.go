package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertProvider inserts or updates a provider definition keyed by its
// lowercase name.
func (s *Store) UpsertProvider(ctx context.Context, p *Provider) error {
	p.Name = strings.ToLower(p.Name)
	const q = `
		INSERT INTO ai_providers (name, display_name, api_key, base_url, models, rate_limit_interval, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			display_name        = EXCLUDED.display_name,
			api_key             = EXCLUDED.api_key,
			base_url            = EXCLUDED.base_url,
			models              = EXCLUDED.models,
			rate_limit_interval = EXCLUDED.rate_limit_interval,
			is_active           = EXCLUDED.is_active,
			updated_at          = now()
		RETURNING id, created_at, updated_at`
	err := s.db.QueryRowContext(ctx, q,
		p.Name, p.DisplayName, p.APIKey, p.BaseURL, p.Models, p.RateLimitInterval, p.IsActive).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert provider %q: %w", p.Name, err)
	}
	return nil
}

// GetProvider returns one provider by name. Lookup is case-insensitive
// because names are stored lowercase.
func (s *Store) GetProvider(ctx context.Context, name string) (*Provider, error) {
	name = strings.ToLower(name)
	var p Provider
	err := s.db.GetContext(ctx, &p, `SELECT * FROM ai_providers WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %q: %w", name, err)
	}
	return &p, nil
}

// ListProviders returns provider definitions, optionally only active ones.
func (s *Store) ListProviders(ctx context.Context, onlyActive bool) ([]Provider, error) {
	q := `SELECT * FROM ai_providers ORDER BY name`
	if onlyActive {
		q = `SELECT * FROM ai_providers WHERE is_active ORDER BY name`
	}
	var out []Provider
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}

// SetProviderActive flips the active flag.
func (s *Store) SetProviderActive(ctx context.Context, name string, active bool) error {
	name = strings.ToLower(name)
	const q = `UPDATE ai_providers SET is_active = $2, updated_at = now() WHERE name = $1`
	res, err := s.db.ExecContext(ctx, q, name, active)
	if err != nil {
		return fmt.Errorf("set provider active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	return nil
}

// DeleteProvider removes a provider definition.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_providers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete provider %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	return nil
}
