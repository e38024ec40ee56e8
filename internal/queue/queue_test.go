package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loregraph/loregraph/internal/kv"
)

func newTestQueues(t *testing.T) (*Queues, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.DiscardHandler)
	kvc, err := kv.New(context.Background(), kv.Config{Addr: mr.Addr()}, logger)
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { kvc.Close() })
	return New(kvc, Config{}, logger), mr
}

func mustEnqueue(t *testing.T, q *Queues, provider string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if err := q.EnqueueMain(context.Background(), id, provider); err != nil {
			t.Fatalf("EnqueueMain(%d, %s): %v", id, provider, err)
		}
	}
}

func TestLoadNextBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("moves up to the batch size", func(t *testing.T) {
		q, mr := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

		moved, err := q.LoadNextBatch(ctx, "openai", 0)
		if err != nil {
			t.Fatalf("LoadNextBatch() error = %v", err)
		}
		if moved != DefaultBatchSize {
			t.Errorf("moved = %d, want %d", moved, DefaultBatchSize)
		}

		mainLen, _ := q.MainLen(ctx, "openai")
		activeLen, _ := q.ActiveLen(ctx, "openai")
		if mainLen != 2 || activeLen != 10 {
			t.Errorf("lens = %d/%d, want 2/10", mainLen, activeLen)
		}

		meta := mr.HGet("batch_meta:openai", "task_count")
		if meta != "10" {
			t.Errorf("batch meta task_count = %q, want 10", meta)
		}
		if p := mr.HGet("batch_meta:openai", "provider"); p != "openai" {
			t.Errorf("batch meta provider = %q", p)
		}
		if ttl := mr.TTL("batch_meta:openai"); ttl != batchMetaTTL {
			t.Errorf("batch meta TTL = %v, want %v", ttl, batchMetaTTL)
		}
	})

	t.Run("no-op while the active batch is non-empty", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2, 3)

		if moved, _ := q.LoadNextBatch(ctx, "openai", 2); moved != 2 {
			t.Fatalf("first load moved %d, want 2", moved)
		}
		moved, err := q.LoadNextBatch(ctx, "openai", 2)
		if err != nil {
			t.Fatalf("LoadNextBatch() error = %v", err)
		}
		if moved != 0 {
			t.Errorf("second load moved %d, want 0", moved)
		}
		if mainLen, _ := q.MainLen(ctx, "openai"); mainLen != 1 {
			t.Errorf("backlog shrank to %d, want 1", mainLen)
		}
	})

	t.Run("pops come back in enqueue order", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "openai", 7, 8, 9)
		if _, err := q.LoadNextBatch(ctx, "openai", 0); err != nil {
			t.Fatal(err)
		}

		for _, want := range []int64{7, 8, 9} {
			e, err := q.PopActive(ctx, "openai", 100*time.Millisecond)
			if err != nil {
				t.Fatalf("PopActive() error = %v", err)
			}
			if e == nil || e.TaskID != want {
				t.Fatalf("popped %+v, want task %d", e, want)
			}
			if e.Provider != "openai" {
				t.Errorf("entry provider = %q", e.Provider)
			}
		}
	})

	t.Run("concurrent loads promote exactly one batch", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

		const loaders = 8
		start := make(chan struct{})
		moves := make(chan int, loaders)
		var wg sync.WaitGroup
		for i := 0; i < loaders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				moved, err := q.LoadNextBatch(ctx, "openai", 5)
				if err != nil {
					t.Errorf("LoadNextBatch: %v", err)
					return
				}
				moves <- moved
			}()
		}
		close(start)
		wg.Wait()
		close(moves)

		total, winners := 0, 0
		for moved := range moves {
			total += moved
			if moved > 0 {
				winners++
			}
		}
		if winners != 1 || total != 5 {
			t.Errorf("winners = %d, moved total = %d; want exactly one loader moving 5", winners, total)
		}
		mainLen, _ := q.MainLen(ctx, "openai")
		activeLen, _ := q.ActiveLen(ctx, "openai")
		if mainLen != 7 || activeLen != 5 {
			t.Errorf("lens = %d/%d, want 7/5", mainLen, activeLen)
		}
	})

	t.Run("empty provider name maps to rules", func(t *testing.T) {
		q, mr := newTestQueues(t)
		mustEnqueue(t, q, "", 1)
		if !mr.Exists("main:rules") {
			t.Error("entry not queued under rules")
		}
	})
}

func TestPopActive(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout yields no entry and no error", func(t *testing.T) {
		q, _ := newTestQueues(t)
		e, err := q.PopActive(ctx, "openai", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("PopActive() error = %v", err)
		}
		if e != nil {
			t.Errorf("entry = %+v, want nil", e)
		}
	})

	t.Run("undecodable entry is an error", func(t *testing.T) {
		q, mr := newTestQueues(t)
		mr.Lpush("active:openai", "not-json")
		if _, err := q.PopActive(ctx, "openai", 50*time.Millisecond); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueues(t)
	mustEnqueue(t, q, "openai", 1, 2, 3, 4)
	if _, err := q.LoadNextBatch(ctx, "openai", 3); err != nil {
		t.Fatal(err)
	}

	dropped, err := q.Purge(ctx, "openai")
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	for _, key := range []string{"main:openai", "active:openai", "batch_meta:openai"} {
		if mr.Exists(key) {
			t.Errorf("key %s survived purge", key)
		}
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueues(t)
	mustEnqueue(t, q, "openai", 1, 2, 3)
	if _, err := q.LoadNextBatch(ctx, "openai", 2); err != nil {
		t.Fatal(err)
	}

	s, err := q.Snapshot(ctx, "openai")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if s.MainLen != 1 || s.ActiveLen != 2 {
		t.Errorf("lens = %d/%d, want 1/2", s.MainLen, s.ActiveLen)
	}
	if len(s.Main) != 1 || s.Main[0].TaskID != 3 {
		t.Errorf("main = %+v", s.Main)
	}
	if s.BatchMeta["task_count"] != "2" {
		t.Errorf("batch meta = %v", s.BatchMeta)
	}
}

func TestQueuedProviders(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueues(t)
	mustEnqueue(t, q, "zhipu", 1)
	mustEnqueue(t, q, "openai", 2)

	providers, err := q.QueuedProviders(ctx)
	if err != nil {
		t.Fatalf("QueuedProviders() error = %v", err)
	}
	if len(providers) != 2 || providers[0] != "openai" || providers[1] != "zhipu" {
		t.Errorf("providers = %v", providers)
	}
}

func TestRebalance(t *testing.T) {
	ctx := context.Background()

	t.Run("drains active then main and rewrites providers", func(t *testing.T) {
		q, mr := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2, 3, 4, 5)
		if _, err := q.LoadNextBatch(ctx, "openai", 2); err != nil {
			t.Fatal(err)
		}

		res, err := q.Rebalance(ctx, "openai", []string{"deepseek"}, StrategyRoundRobin)
		if err != nil {
			t.Fatalf("Rebalance() error = %v", err)
		}
		if res.Moved != 5 {
			t.Errorf("moved = %d, want 5", res.Moved)
		}
		if res.SourceLeft != 0 {
			t.Errorf("source left = %d, want 0", res.SourceLeft)
		}
		if res.Targets["deepseek"] != 5 {
			t.Errorf("targets = %v", res.Targets)
		}
		if mr.Exists("active:openai") || mr.Exists("main:openai") {
			t.Error("source queues not empty")
		}

		s, _ := q.Snapshot(ctx, "deepseek")
		seen := make(map[int64]bool)
		for _, e := range s.Main {
			if e.Provider != "deepseek" {
				t.Errorf("entry %d still carries provider %q", e.TaskID, e.Provider)
			}
			seen[e.TaskID] = true
		}
		for id := int64(1); id <= 5; id++ {
			if !seen[id] {
				t.Errorf("task %d lost in rebalance", id)
			}
		}
	})

	t.Run("shortest strategy prefers the emptiest target", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "deepseek", 101, 102, 103, 104, 105)
		mustEnqueue(t, q, "openai", 1, 2, 3)

		res, err := q.Rebalance(ctx, "openai", []string{"deepseek", "zhipu"}, StrategyShortest)
		if err != nil {
			t.Fatalf("Rebalance() error = %v", err)
		}
		if res.Targets["zhipu"] != 3 {
			t.Errorf("targets = %v, want all 3 on zhipu", res.Targets)
		}
	})

	t.Run("rules only when nothing else remains", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2)

		res, err := q.Rebalance(ctx, "openai", []string{"rules"}, StrategyRoundRobin)
		if err != nil {
			t.Fatalf("Rebalance() error = %v", err)
		}
		if res.Targets["rules"] != 2 {
			t.Errorf("targets = %v", res.Targets)
		}
	})

	t.Run("undecodable entries are dropped, not moved", func(t *testing.T) {
		q, mr := newTestQueues(t)
		mr.RPush("main:openai", "garbage")
		mustEnqueue(t, q, "openai", 1)

		res, err := q.Rebalance(ctx, "openai", []string{"deepseek"}, StrategyRoundRobin)
		if err != nil {
			t.Fatalf("Rebalance() error = %v", err)
		}
		if res.Moved != 1 || res.Dropped != 1 {
			t.Errorf("moved/dropped = %d/%d, want 1/1", res.Moved, res.Dropped)
		}
	})
}

func TestChooseProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("rules when AI is off", func(t *testing.T) {
		q, _ := newTestQueues(t)
		if got := q.ChooseProvider(ctx, false, []string{"openai"}, nil); got != RulesProvider {
			t.Errorf("got %q, want rules", got)
		}
	})

	t.Run("rules when nothing is usable", func(t *testing.T) {
		q, _ := newTestQueues(t)
		allDown := func(string) bool { return true }
		if got := q.ChooseProvider(ctx, true, []string{"openai", "deepseek"}, allDown); got != RulesProvider {
			t.Errorf("got %q, want rules", got)
		}
		if got := q.ChooseProvider(ctx, true, nil, nil); got != RulesProvider {
			t.Errorf("got %q with no candidates, want rules", got)
		}
	})

	t.Run("shortest combined backlog wins", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "openai", 1, 2, 3)
		if _, err := q.LoadNextBatch(ctx, "openai", 2); err != nil {
			t.Fatal(err)
		}
		mustEnqueue(t, q, "deepseek", 4)

		if got := q.ChooseProvider(ctx, true, []string{"openai", "deepseek"}, nil); got != "deepseek" {
			t.Errorf("got %q, want deepseek", got)
		}
	})

	t.Run("suspended providers are skipped", func(t *testing.T) {
		q, _ := newTestQueues(t)
		mustEnqueue(t, q, "deepseek", 1, 2, 3, 4)
		suspended := func(p string) bool { return p == "openai" }

		if got := q.ChooseProvider(ctx, true, []string{"openai", "deepseek"}, suspended); got != "deepseek" {
			t.Errorf("got %q, want deepseek", got)
		}
	})

	t.Run("ties rotate", func(t *testing.T) {
		q, _ := newTestQueues(t)
		first := q.ChooseProvider(ctx, true, []string{"openai", "deepseek"}, nil)
		second := q.ChooseProvider(ctx, true, []string{"openai", "deepseek"}, nil)
		if first == second {
			t.Errorf("tie did not rotate: %q then %q", first, second)
		}
	})
}
