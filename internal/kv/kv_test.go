package kv

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Config{Addr: mr.Addr()}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		TaskID   int    `json:"task_id"`
		Provider string `json:"provider"`
	}

	t.Run("set and get", func(t *testing.T) {
		if err := c.SetJSON(ctx, "entry", payload{TaskID: 7, Provider: "openai"}, 0); err != nil {
			t.Fatalf("SetJSON: %v", err)
		}
		var got payload
		ok, err := c.GetJSON(ctx, "entry", &got)
		if err != nil {
			t.Fatalf("GetJSON: %v", err)
		}
		if !ok {
			t.Fatal("expected key to exist")
		}
		if got.TaskID != 7 || got.Provider != "openai" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		var got payload
		ok, err := c.GetJSON(ctx, "absent", &got)
		if err != nil {
			t.Fatalf("GetJSON: %v", err)
		}
		if ok {
			t.Error("expected ok=false for missing key")
		}
	})

	t.Run("ttl applied", func(t *testing.T) {
		if err := c.SetJSON(ctx, "ephemeral", payload{TaskID: 1}, time.Minute); err != nil {
			t.Fatalf("SetJSON: %v", err)
		}
		if ttl := mr.TTL("ephemeral"); ttl != time.Minute {
			t.Errorf("ttl = %v, want 1m", ttl)
		}
	})
}

func TestScanKeys(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"main:openai", "main:claude", "active:openai"} {
		if err := c.DB().RPush(ctx, k, "x").Err(); err != nil {
			t.Fatalf("RPush: %v", err)
		}
	}

	keys, err := c.ScanKeys(ctx, "main:*")
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["main:openai"] || !seen["main:claude"] {
		t.Errorf("unexpected keys: %v", keys)
	}
}
