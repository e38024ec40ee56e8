package providers

import (
	"context"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/store"
)

func testDef(name string) Definition {
	return Definition{
		Name:              name,
		DisplayName:       name,
		APIKey:            "sk-test",
		Models:            []string{"model-a"},
		RateLimitInterval: 1.5,
		IsActive:          true,
	}
}

func TestRegistryReload(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("registers new active providers", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		r.Reload([]Definition{testDef("openai")})

		client, err := r.Client("openai")
		if err != nil {
			t.Fatalf("Client() error = %v", err)
		}
		if _, ok := client.(*OpenAIClient); !ok {
			t.Errorf("client type = %T, want *OpenAIClient", client)
		}
		if _, ok := r.Definition("openai"); !ok {
			t.Error("definition not stored")
		}
	})

	t.Run("claude gets the messages API client", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		r.Reload([]Definition{testDef("claude")})

		client, err := r.Client("claude")
		if err != nil {
			t.Fatalf("Client() error = %v", err)
		}
		if _, ok := client.(*AnthropicClient); !ok {
			t.Errorf("client type = %T, want *AnthropicClient", client)
		}
	})

	t.Run("unchanged definitions keep the same client", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		def := testDef("openai")
		r.Reload([]Definition{def})
		first, _ := r.Client("openai")

		r.Reload([]Definition{def})
		second, _ := r.Client("openai")
		if first != second {
			t.Error("client was rebuilt for an unchanged definition")
		}

		def.APIKey = "sk-rotated"
		r.Reload([]Definition{def})
		third, _ := r.Client("openai")
		if third == first {
			t.Error("client was not rebuilt after the key changed")
		}
	})

	t.Run("deactivation removes the client but keeps the definition", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		r.Reload([]Definition{testDef("openai")})

		def := testDef("openai")
		def.IsActive = false
		r.Reload([]Definition{def})

		if _, err := r.Client("openai"); err == nil {
			t.Error("expected error for deactivated provider")
		}
		d, ok := r.Definition("openai")
		if !ok {
			t.Fatal("definition dropped on deactivation")
		}
		if d.IsActive {
			t.Error("definition still marked active")
		}
	})

	t.Run("removed definitions are unregistered", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		r.Reload([]Definition{testDef("openai"), testDef("deepseek")})
		r.Reload([]Definition{testDef("deepseek")})

		if _, ok := r.Definition("openai"); ok {
			t.Error("removed definition still present")
		}
		if _, err := r.Client("openai"); err == nil {
			t.Error("removed provider still has a client")
		}
		if _, err := r.Client("deepseek"); err != nil {
			t.Errorf("surviving provider lost its client: %v", err)
		}
	})

	t.Run("rules is always active and synthetic", func(t *testing.T) {
		r := NewRegistry(nil, logger)

		names := r.ActiveNames()
		if len(names) != 1 || names[0] != RulesName {
			t.Errorf("ActiveNames() = %v, want [%s]", names, RulesName)
		}
		if _, err := r.Client(RulesName); err == nil {
			t.Error("expected error asking for a rules client")
		}

		r.Reload([]Definition{testDef("openai")})
		if _, ok := r.Definition(RulesName); !ok {
			t.Error("rules definition lost after reload")
		}
	})

	t.Run("active name listing", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		inactive := testDef("zhipu")
		inactive.IsActive = false
		r.Reload([]Definition{testDef("openai"), testDef("deepseek"), inactive})

		names := r.ActiveNames()
		want := []string{"deepseek", "openai", RulesName}
		if len(names) != len(want) {
			t.Fatalf("ActiveNames() = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("ActiveNames()[%d] = %q, want %q", i, names[i], want[i])
			}
		}

		ai := r.ActiveAINames()
		if len(ai) != 2 || ai[0] != "deepseek" || ai[1] != "openai" {
			t.Errorf("ActiveAINames() = %v", ai)
		}
	})

	t.Run("names are lowercased", func(t *testing.T) {
		r := NewRegistry(nil, logger)
		r.Reload([]Definition{testDef("DeepSeek")})

		if _, err := r.Client("DEEPSEEK"); err != nil {
			t.Errorf("case-insensitive lookup failed: %v", err)
		}
	})
}

func TestRegistryRateLimitInterval(t *testing.T) {
	r := NewRegistry(nil, slog.New(slog.DiscardHandler))
	r.Reload([]Definition{testDef("openai")})

	got, err := r.RateLimitInterval(context.Background(), "openai")
	if err != nil {
		t.Fatalf("RateLimitInterval() error = %v", err)
	}
	if got != 1.5 {
		t.Errorf("interval = %v, want 1.5", got)
	}

	if _, err := r.RateLimitInterval(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown provider")
	}

	// Rules has no rate limit.
	got, err = r.RateLimitInterval(context.Background(), RulesName)
	if err != nil {
		t.Fatalf("RateLimitInterval(rules) error = %v", err)
	}
	if got != 0 {
		t.Errorf("rules interval = %v, want 0", got)
	}
}

func newTestKV(t *testing.T) (*kv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(context.Background(), kv.Config{Addr: mr.Addr()}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { kvc.Close() })
	return kvc, mr
}

func newMockProviderStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Bind as pgx so $N placeholders survive Rebind.
	return store.NewWithDB(sqlx.NewDb(db, "pgx"), slog.New(slog.DiscardHandler)), mock
}

func providerRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "display_name", "api_key", "base_url",
		"models", "rate_limit_interval", "is_active", "created_at", "updated_at",
	}).AddRow(1, "openai", "OpenAI", "sk-db", "", []byte(`["gpt-4o-mini"]`), 2.0, true, now, now)
}

func TestRegistrySnapshot(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	t.Run("publish and refresh", func(t *testing.T) {
		kvc, mr := newTestKV(t)

		writer := NewRegistry(kvc, logger)
		writer.Reload([]Definition{testDef("openai")})
		if err := writer.PublishSnapshot(ctx); err != nil {
			t.Fatalf("PublishSnapshot() error = %v", err)
		}

		var snapshot []Definition
		found, err := kvc.GetJSON(ctx, "ai_config:providers", &snapshot)
		if err != nil || !found {
			t.Fatalf("snapshot not readable: found=%v err=%v", found, err)
		}
		if len(snapshot) != 1 || snapshot[0].Name != "openai" {
			t.Errorf("snapshot = %+v", snapshot)
		}
		if !mr.Exists("ai_config:version") {
			t.Fatal("version stamp not written")
		}

		// A reader process with an older view reloads from the store.
		reader := NewRegistry(kvc, logger)
		st, mock := newMockProviderStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM ai_providers ORDER BY name`)).
			WillReturnRows(providerRows())

		if err := reader.RefreshIfStale(ctx, st); err != nil {
			t.Fatalf("RefreshIfStale() error = %v", err)
		}
		def, ok := reader.Definition("openai")
		if !ok {
			t.Fatal("reader did not pick up provider")
		}
		if def.APIKey != "sk-db" {
			t.Errorf("APIKey = %q, want the store value", def.APIKey)
		}

		// Same version again is a no-op; any store query would fail the mock.
		if err := reader.RefreshIfStale(ctx, st); err != nil {
			t.Fatalf("second RefreshIfStale() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("no version stamp is a no-op", func(t *testing.T) {
		kvc, _ := newTestKV(t)
		st, mock := newMockProviderStore(t)

		r := NewRegistry(kvc, logger)
		if err := r.RefreshIfStale(ctx, st); err != nil {
			t.Fatalf("RefreshIfStale() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("store was queried without a version stamp: %v", err)
		}
	})
}
