package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/store"
)

// KV keys for the shared provider snapshot. The relational store is the
// source of truth; the version key tells long-lived workers when to
// reload without polling the database.
const (
	snapshotKey = "ai_config:providers"
	versionKey  = "ai_config:version"
)

// Definition is one provider's configuration as loaded from the store.
type Definition struct {
	Name              string   `json:"name"`
	DisplayName       string   `json:"display_name"`
	APIKey            string   `json:"api_key"`
	BaseURL           string   `json:"base_url"`
	Models            []string `json:"models"`
	RateLimitInterval float64  `json:"rate_limit_interval"`
	IsActive          bool     `json:"is_active"`
}

func (d Definition) equal(o Definition) bool {
	if d.Name != o.Name || d.APIKey != o.APIKey || d.BaseURL != o.BaseURL ||
		d.RateLimitInterval != o.RateLimitInterval || d.IsActive != o.IsActive {
		return false
	}
	if len(d.Models) != len(o.Models) {
		return false
	}
	for i := range d.Models {
		if d.Models[i] != o.Models[i] {
			return false
		}
	}
	return true
}

// Registry holds the usable provider clients and their definitions. It
// supports store-driven loading, hot reload with diffing, and a KV version
// stamp so other processes notice changes.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	defs    map[string]Definition
	version int64
	kv      *kv.Client
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. The synthetic rules provider is
// always present and active.
func NewRegistry(kvc *kv.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients: make(map[string]Client),
		defs:    make(map[string]Definition),
		kv:      kvc,
		logger:  logger.With("component", "providers"),
	}
	r.defs[RulesName] = Definition{Name: RulesName, DisplayName: "Rules", IsActive: true}
	return r
}

// Reload applies a fresh set of definitions. Clients are created for new
// or changed active definitions, kept untouched when unchanged, and
// removed when gone or deactivated.
func (r *Registry) Reload(defs []Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(defs)+1)
	want[RulesName] = true

	for _, def := range defs {
		def.Name = strings.ToLower(def.Name)
		if def.Name == RulesName {
			continue
		}
		want[def.Name] = true

		prev, had := r.defs[def.Name]
		r.defs[def.Name] = def
		if !def.IsActive {
			if _, hasClient := r.clients[def.Name]; hasClient {
				delete(r.clients, def.Name)
				r.logger.Info("deactivated provider", "name", def.Name)
			}
			continue
		}
		if had && prev.equal(def) {
			continue
		}
		client := buildClient(def)
		if client == nil {
			r.logger.Warn("no client for provider definition", "name", def.Name)
			continue
		}
		r.clients[def.Name] = client
		if had {
			r.logger.Info("updated provider client", "name", def.Name)
		} else {
			r.logger.Info("registered provider client", "name", def.Name)
		}
	}

	for name := range r.defs {
		if !want[name] {
			delete(r.defs, name)
			delete(r.clients, name)
			r.logger.Info("unregistered provider", "name", name)
		}
	}
}

// Register installs a pre-built client under its own name, marked active.
// Reload replaces it like any other entry; the deterministic stub used in
// tests and the odd bespoke backend come in through here.
func (r *Registry) Register(client Client, def Definition) {
	name := strings.ToLower(client.Name())
	def.Name = name
	def.IsActive = true
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
	r.clients[name] = client
}

// buildClient picks the implementation for a definition. Claude gets the
// native messages API; everything else speaks the OpenAI-compatible
// protocol, with the base URL selecting the actual backend.
func buildClient(def Definition) Client {
	switch def.Name {
	case "claude", "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			Name:      def.Name,
			APIKey:    def.APIKey,
			BaseURL:   def.BaseURL,
			ModelList: def.Models,
		})
	default:
		return NewOpenAIClient(OpenAIConfig{
			Name:      def.Name,
			APIKey:    def.APIKey,
			BaseURL:   def.BaseURL,
			ModelList: def.Models,
		})
	}
}

// LoadFromStore reloads definitions from the relational store.
func (r *Registry) LoadFromStore(ctx context.Context, st *store.Store) error {
	rows, err := st.ListProviders(ctx, false)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	defs := make([]Definition, 0, len(rows))
	for _, row := range rows {
		defs = append(defs, Definition{
			Name:              row.Name,
			DisplayName:       row.DisplayName,
			APIKey:            row.APIKey.String,
			BaseURL:           row.BaseURL.String,
			Models:            row.Models,
			RateLimitInterval: row.RateLimitInterval,
			IsActive:          row.IsActive,
		})
	}
	r.Reload(defs)
	return nil
}

// Client returns the generation client for a provider.
func (r *Registry) Client(name string) (Client, error) {
	name = strings.ToLower(name)
	if name == RulesName {
		return nil, fmt.Errorf("provider %s is synthetic and has no client", RulesName)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("provider not available: %s", name)
	}
	return c, nil
}

// Definition returns the stored definition for a provider.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(name)]
	return d, ok
}

// ActiveNames returns the usable provider names, rules included, sorted
// for stable iteration.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name, def := range r.defs {
		if def.IsActive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ActiveAINames returns the usable providers excluding rules.
func (r *Registry) ActiveAINames() []string {
	names := r.ActiveNames()
	out := names[:0]
	for _, n := range names {
		if n != RulesName {
			out = append(out, n)
		}
	}
	return out
}

// RateLimitInterval implements the throttle interval source from the
// in-memory definitions.
func (r *Registry) RateLimitInterval(_ context.Context, name string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown provider: %s", name)
	}
	return def.RateLimitInterval, nil
}

// PublishSnapshot writes the current definitions and a fresh version
// stamp to the KV store. Call after changing provider rows.
func (r *Registry) PublishSnapshot(ctx context.Context) error {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if d.Name == RulesName {
			continue
		}
		defs = append(defs, d)
	}
	r.mu.RUnlock()

	version := time.Now().UnixMilli()
	if err := r.kv.SetJSON(ctx, snapshotKey, defs, 0); err != nil {
		return fmt.Errorf("publish provider snapshot: %w", err)
	}
	if err := r.kv.DB().Set(ctx, versionKey, strconv.FormatInt(version, 10), 0).Err(); err != nil {
		return fmt.Errorf("publish provider version: %w", err)
	}
	r.mu.Lock()
	r.version = version
	r.mu.Unlock()
	r.logger.Info("published provider snapshot", "version", version, "providers", len(defs))
	return nil
}

// RefreshIfStale reloads from the store when the shared version stamp is
// newer than what this process has seen. Cheap enough to call before each
// unit of work.
func (r *Registry) RefreshIfStale(ctx context.Context, st *store.Store) error {
	raw, err := r.kv.DB().Get(ctx, versionKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read provider version: %w", err)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse provider version %q: %w", raw, err)
	}

	r.mu.RLock()
	current := r.version
	r.mu.RUnlock()
	if version <= current {
		return nil
	}

	if err := r.LoadFromStore(ctx, st); err != nil {
		return err
	}
	r.mu.Lock()
	r.version = version
	r.mu.Unlock()
	r.logger.Info("reloaded providers after version change", "version", version)
	return nil
}
