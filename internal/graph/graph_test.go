package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loregraph/loregraph/internal/kv"
)

func newSpillStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.DiscardHandler)
	kvc, err := kv.New(context.Background(), kv.Config{Addr: mr.Addr()}, logger)
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { kvc.Close() })
	return &Store{kv: kvc, logger: logger}, mr
}

func TestRelateRejectsBadIdentifiers(t *testing.T) {
	s := &Store{logger: slog.New(slog.DiscardHandler)}
	from := NodeRef{Label: "Character", Property: "name", Value: "Ana"}
	to := NodeRef{Label: "Chapter", Property: "id", Value: int64(1)}

	cases := []struct {
		name string
		from NodeRef
		to   NodeRef
		rel  string
	}{
		{"injection in relation type", from, to, "KNOWS]->(x) DETACH DELETE x//"},
		{"space in label", NodeRef{Label: "Bad Label", Property: "name", Value: "x"}, to, "KNOWS"},
		{"empty property", from, NodeRef{Label: "Chapter", Property: "", Value: 1}, "KNOWS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Relate(context.Background(), tc.from, tc.to, tc.rel, nil); err == nil {
				t.Fatal("expected identifier error")
			}
		})
	}
}

func TestDeadLetterSpill(t *testing.T) {
	ctx := context.Background()
	s, mr := newSpillStore(t)

	params := map[string]any{"name": "Ana", "novel_id": int64(3), "task_id": int64(9), "props": map[string]any{}}
	if err := s.spill(ctx, opCharacter, params, 9); err != nil {
		t.Fatalf("spill: %v", err)
	}
	if err := s.spill(ctx, opCharacter, params, 9); err != nil {
		t.Fatalf("spill: %v", err)
	}

	n, err := s.PendingDeadLetters(ctx, 9)
	if err != nil {
		t.Fatalf("PendingDeadLetters: %v", err)
	}
	if n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	raw, err := mr.Lpop(dlqKey(9))
	if err != nil {
		t.Fatalf("lpop: %v", err)
	}
	var entry dlqEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Op != opCharacter {
		t.Fatalf("op = %q, want %q", entry.Op, opCharacter)
	}
	if entry.Params["name"] != "Ana" {
		t.Fatalf("params = %v", entry.Params)
	}
	if entry.FailedAt.IsZero() || time.Since(entry.FailedAt) > time.Minute {
		t.Fatalf("failed_at = %v", entry.FailedAt)
	}
}

func TestDiscardTask(t *testing.T) {
	ctx := context.Background()
	s, mr := newSpillStore(t)

	if err := s.spill(ctx, opLocation, map[string]any{"name": "Keep"}, 4); err != nil {
		t.Fatalf("spill: %v", err)
	}
	if err := s.spill(ctx, opLocation, map[string]any{"name": "Drop"}, 5); err != nil {
		t.Fatalf("spill: %v", err)
	}

	if err := s.DiscardTask(ctx, 5); err != nil {
		t.Fatalf("DiscardTask: %v", err)
	}
	if mr.Exists(dlqKey(5)) {
		t.Fatal("task 5 dead-letters still present")
	}
	if !mr.Exists(dlqKey(4)) {
		t.Fatal("task 4 dead-letters were dropped")
	}
}

func TestUpsertQueriesStampTimestamps(t *testing.T) {
	for op, q := range queries {
		if !strings.Contains(q, ".created_at = coalesce(") {
			t.Errorf("%s upsert does not preserve created_at on re-merge", op)
		}
		if !strings.Contains(q, ".updated_at = datetime()") {
			t.Errorf("%s upsert does not bump updated_at", op)
		}
	}
}

func TestStatsCountsRelationsOnce(t *testing.T) {
	// An undirected match traverses every relation from both endpoints
	// and doubles the counts.
	if !strings.Contains(statsQuery, ")-[r]->(b") {
		t.Fatalf("stats relation match is not directed:\n%s", statsQuery)
	}
}

func TestCoerceIntParams(t *testing.T) {
	params := map[string]any{
		"novel_id":   float64(12),
		"task_id":    float64(7),
		"name":       "Ana",
		"confidence": 0.9,
	}
	coerceIntParams(params)

	if v, ok := params["novel_id"].(int64); !ok || v != 12 {
		t.Fatalf("novel_id = %v (%T)", params["novel_id"], params["novel_id"])
	}
	if _, ok := params["confidence"].(float64); !ok {
		t.Fatalf("confidence coerced: %v (%T)", params["confidence"], params["confidence"])
	}
	if params["name"] != "Ana" {
		t.Fatalf("name mutated: %v", params["name"])
	}
}
