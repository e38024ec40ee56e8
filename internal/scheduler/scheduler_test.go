package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/queue"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *queue.Queues, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.DiscardHandler)
	kvc, err := kv.New(context.Background(), kv.Config{Addr: mr.Addr()}, logger)
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { kvc.Close() })
	queues := queue.New(kvc, queue.Config{}, logger)
	return New(queues, kvc, cfg, logger), queues, kvc
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes drained providers only", func(t *testing.T) {
		s, queues, _ := newTestScheduler(t, Config{})
		for id := int64(1); id <= 12; id++ {
			if err := queues.EnqueueMain(ctx, id, "openai"); err != nil {
				t.Fatal(err)
			}
		}
		// deepseek already has an active batch in flight.
		if err := queues.EnqueueMain(ctx, 100, "deepseek"); err != nil {
			t.Fatal(err)
		}
		if err := queues.EnqueueMain(ctx, 101, "deepseek"); err != nil {
			t.Fatal(err)
		}
		if _, err := queues.LoadNextBatch(ctx, "deepseek", 1); err != nil {
			t.Fatal(err)
		}

		s.Tick(ctx)

		mainLen, _ := queues.MainLen(ctx, "openai")
		activeLen, _ := queues.ActiveLen(ctx, "openai")
		if mainLen != 2 || activeLen != 10 {
			t.Errorf("openai lens = %d/%d, want 2/10", mainLen, activeLen)
		}
		dsMain, _ := queues.MainLen(ctx, "deepseek")
		dsActive, _ := queues.ActiveLen(ctx, "deepseek")
		if dsMain != 1 || dsActive != 1 {
			t.Errorf("deepseek lens = %d/%d, want 1/1", dsMain, dsActive)
		}
	})

	t.Run("second pass refills after the batch drains", func(t *testing.T) {
		s, queues, _ := newTestScheduler(t, Config{})
		for id := int64(1); id <= 3; id++ {
			if err := queues.EnqueueMain(ctx, id, "openai"); err != nil {
				t.Fatal(err)
			}
		}
		s.Tick(ctx)
		// Drain the active batch like workers would.
		for {
			e, err := queues.PopActive(ctx, "openai", 50*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if e == nil {
				break
			}
		}
		s.Tick(ctx)

		activeLen, _ := queues.ActiveLen(ctx, "openai")
		if activeLen != 0 {
			t.Errorf("active len = %d, want 0 (backlog was drained)", activeLen)
		}
		mainLen, _ := queues.MainLen(ctx, "openai")
		if mainLen != 0 {
			t.Errorf("main len = %d, want 0", mainLen)
		}
	})

	t.Run("lock holder excludes other instances", func(t *testing.T) {
		s, queues, kvc := newTestScheduler(t, Config{WithLock: true})
		if err := queues.EnqueueMain(ctx, 1, "openai"); err != nil {
			t.Fatal(err)
		}

		lock, ok, err := kvc.AcquireLock(ctx, "scheduler", time.Minute)
		if err != nil || !ok {
			t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
		}

		s.Tick(ctx)
		if activeLen, _ := queues.ActiveLen(ctx, "openai"); activeLen != 0 {
			t.Error("tick promoted while the lock was held elsewhere")
		}

		if err := lock.Release(ctx); err != nil {
			t.Fatal(err)
		}
		s.Tick(ctx)
		if activeLen, _ := queues.ActiveLen(ctx, "openai"); activeLen != 1 {
			t.Error("tick did not promote after the lock was released")
		}
	})
}

func TestRun(t *testing.T) {
	s, queues, _ := newTestScheduler(t, Config{Interval: time.Hour})
	if err := queues.EnqueueMain(context.Background(), 1, "openai"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The first pass runs immediately, well before the hour tick.
	deadline := time.After(2 * time.Second)
	for {
		activeLen, _ := queues.ActiveLen(context.Background(), "openai")
		if activeLen == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first pass did not promote")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop on cancel")
	}
}
