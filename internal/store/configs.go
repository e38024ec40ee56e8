package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// DefaultExtractionConfig is the seed row created when no configuration
// exists yet. Rules patterns target English prose; the type identifiers
// are fixed because graph labels and relation types derive from them.
func DefaultExtractionConfig() *ExtractionConfig {
	return &ExtractionConfig{
		Name:                     "default",
		UseAI:                    true,
		MaxContentLength:         4000,
		EnableEntityExtraction:   true,
		EnableRelationExtraction: true,
		EntityTypes: TypeToggleList{
			{Type: "character", Name: "Character", Enabled: true},
			{Type: "location", Name: "Location", Enabled: true},
			{Type: "organization", Name: "Organization", Enabled: true},
			{Type: "event", Name: "Event", Enabled: true},
		},
		RelationTypes: TypeToggleList{
			{Type: "FRIEND", Name: "Friend", Enabled: true},
			{Type: "ENEMY", Name: "Enemy", Enabled: true},
			{Type: "LOVES", Name: "Loves", Enabled: true},
			{Type: "HATES", Name: "Hates", Enabled: true},
			{Type: "KNOWS", Name: "Knows", Enabled: true},
			{Type: "LEADS", Name: "Leads", Enabled: true},
			{Type: "FOLLOWS", Name: "Follows", Enabled: true},
			{Type: "PARTICIPATES_IN", Name: "Participates in", Enabled: true},
			{Type: "OCCURS_IN", Name: "Occurs in", Enabled: true},
		},
		RuleConfig: RuleConfig{
			CharacterPatterns: []string{
				`"[^"]+"\s+(?:said|asked|replied|shouted|whispered)\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`,
				`([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\s+(?:said|asked|replied|shouted|whispered)`,
				`(?:Mr\.|Mrs\.|Miss|Lady|Lord|Sir|Master|Captain)\s+([A-Z][a-z]+)`,
			},
			LocationPatterns: []string{
				`(?:at|in|near|toward)\s+the\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?\s(?:Mountain|Valley|Castle|City|Village|Temple|Palace|Tower|Forest|Harbor))`,
				`([A-Z][a-z]+(?:\s[A-Z][a-z]+)?\s(?:Mountain|Valley|Castle|City|Village|Temple|Palace|Tower|Forest|Harbor))`,
			},
			FilterWords: []string{"What", "This", "That", "How", "Why", "Where", "Here", "There", "When"},
		},
		IsDefault: true,
	}
}

// GetDefaultConfig returns the row marked default.
func (s *Store) GetDefaultConfig(ctx context.Context) (*ExtractionConfig, error) {
	var c ExtractionConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM kg_configs WHERE is_default LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get default config: %w", err)
	}
	return &c, nil
}

// EnsureDefaultConfig returns the default config, seeding one when the
// table is empty.
func (s *Store) EnsureDefaultConfig(ctx context.Context) (*ExtractionConfig, error) {
	c, err := s.GetDefaultConfig(ctx)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	seed := DefaultExtractionConfig()
	if err := s.SaveConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed default config: %w", err)
	}
	s.logger.Info("seeded default extraction config", "config_id", seed.ID)
	return seed, nil
}

// GetConfig returns one config by id.
func (s *Store) GetConfig(ctx context.Context, id int64) (*ExtractionConfig, error) {
	var c ExtractionConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM kg_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %d: %w", id, err)
	}
	return &c, nil
}

// ListConfigs returns all extraction configs.
func (s *Store) ListConfigs(ctx context.Context) ([]ExtractionConfig, error) {
	var out []ExtractionConfig
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM kg_configs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	return out, nil
}

// SaveConfig inserts a new config or updates an existing one by id.
func (s *Store) SaveConfig(ctx context.Context, c *ExtractionConfig) error {
	if c.ID == 0 {
		const q = `
			INSERT INTO kg_configs (name, description, ai_provider, ai_model, use_ai,
				max_content_length, enable_entity_extraction, enable_relation_extraction,
				entity_types, relation_types, rule_config, is_default)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at, updated_at`
		err := s.db.QueryRowContext(ctx, q,
			c.Name, c.Description, c.AIProvider, c.AIModel, c.UseAI,
			c.MaxContentLength, c.EnableEntityExtraction, c.EnableRelationExtraction,
			c.EntityTypes, c.RelationTypes, c.RuleConfig, c.IsDefault).
			Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert config: %w", err)
		}
		return nil
	}
	const q = `
		UPDATE kg_configs SET name = $2, description = $3, ai_provider = $4, ai_model = $5,
			use_ai = $6, max_content_length = $7, enable_entity_extraction = $8,
			enable_relation_extraction = $9, entity_types = $10, relation_types = $11,
			rule_config = $12, is_default = $13, updated_at = now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		c.ID, c.Name, c.Description, c.AIProvider, c.AIModel, c.UseAI,
		c.MaxContentLength, c.EnableEntityExtraction, c.EnableRelationExtraction,
		c.EntityTypes, c.RelationTypes, c.RuleConfig, c.IsDefault)
	if err != nil {
		return fmt.Errorf("update config %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("config %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// SetDefaultConfig marks one config default and clears the flag elsewhere.
func (s *Store) SetDefaultConfig(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE kg_configs SET is_default = FALSE WHERE is_default AND id <> $1`, id); err != nil {
			return fmt.Errorf("clear default flag: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE kg_configs SET is_default = TRUE, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("set default config: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("config %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
