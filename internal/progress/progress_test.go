package progress

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/store"
)

func newTestPubSub(t *testing.T) (*Publisher, *Subscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.DiscardHandler)
	kvc, err := kv.New(context.Background(), kv.Config{Addr: mr.Addr()}, logger)
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { kvc.Close() })
	return NewPublisher(kvc, logger), NewSubscriber(kvc, logger)
}

func TestFromTask(t *testing.T) {
	now := time.Now()
	task := &store.Task{
		ID:                7,
		Status:            store.TaskRunning,
		TotalChapters:     3,
		CompletedChapters: 1,
		UpdatedAt:         now,
	}

	e := FromTask(task)
	if e.Type != EventType {
		t.Errorf("Type = %q", e.Type)
	}
	if e.TaskID != 7 || e.Status != "running" {
		t.Errorf("event = %+v", e)
	}
	if e.Progress != 33.3 {
		t.Errorf("Progress = %v, want 33.3", e.Progress)
	}
	if e.Completed != 1 || e.Total != 3 {
		t.Errorf("counters = %d/%d", e.Completed, e.Total)
	}
	if !e.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v", e.UpdatedAt)
	}
}

func TestPublishSubscribe(t *testing.T) {
	pub, sub := newTestPubSub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, HandlerFunc(func(_ context.Context, e Event) error {
			got <- e
			return nil
		}))
	}()
	// Give the subscription ack a moment to land.
	time.Sleep(200 * time.Millisecond)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e1 := Event{TaskID: 1, Status: "running", Progress: 10, Completed: 1, Total: 10, UpdatedAt: base}

	if err := pub.TaskProgress(ctx, e1); err != nil {
		t.Fatalf("TaskProgress() error = %v", err)
	}

	select {
	case e := <-got:
		if e.TaskID != 1 || e.Progress != 10 || e.Type != EventType {
			t.Errorf("event = %+v", e)
		}
		if !e.UpdatedAt.Equal(base) {
			t.Errorf("UpdatedAt = %v, want %v", e.UpdatedAt, base)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event never arrived")
	}

	// Duplicate and stale events are sunk; the later fresh event proves
	// they were seen and dropped, since delivery preserves order.
	stale := e1
	stale.UpdatedAt = base.Add(-time.Second)
	fresh := e1
	fresh.Progress = 20
	fresh.UpdatedAt = base.Add(time.Second)

	for _, e := range []Event{e1, stale, fresh} {
		if err := pub.TaskProgress(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case e := <-got:
		if e.Progress != 20 {
			t.Errorf("got event with progress %v, want only the fresh one (20)", e.Progress)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh event never arrived")
	}
	select {
	case e := <-got:
		t.Errorf("unexpected extra event: %+v", e)
	case <-time.After(100 * time.Millisecond):
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

func TestAccept(t *testing.T) {
	_, sub := newTestPubSub(t)
	base := time.Now()

	if !sub.accept(Event{TaskID: 1, UpdatedAt: base}) {
		t.Error("first event rejected")
	}
	if sub.accept(Event{TaskID: 1, UpdatedAt: base}) {
		t.Error("duplicate accepted")
	}
	if sub.accept(Event{TaskID: 1, UpdatedAt: base.Add(-time.Minute)}) {
		t.Error("stale event accepted")
	}
	if !sub.accept(Event{TaskID: 2, UpdatedAt: base.Add(-time.Minute)}) {
		t.Error("other task's event rejected")
	}
	if !sub.accept(Event{TaskID: 1, UpdatedAt: base.Add(time.Minute)}) {
		t.Error("newer event rejected")
	}

	sub.Forget(1)
	if !sub.accept(Event{TaskID: 1, UpdatedAt: base}) {
		t.Error("event rejected after Forget")
	}
}
