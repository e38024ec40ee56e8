package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/throttle"
)

type pauseRecorder struct {
	mu     sync.Mutex
	paused []string
}

func (p *pauseRecorder) PauseRunningOnProvider(_ context.Context, provider string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, provider)
	return 1, nil
}

// A worker process only wires the throttle through service construction,
// so the fan-out must fire off nothing more than failure counting.
func TestWireSuspensionMigratesWork(t *testing.T) {
	ctx := context.Background()
	_, kvc, mr := newTestPresence(t)
	logger := slog.New(slog.DiscardHandler)

	q := queue.New(kvc, queue.Config{}, logger)
	registry := providers.NewRegistry(kvc, logger)
	registry.Reload([]providers.Definition{
		{Name: "openai", APIKey: "k", IsActive: true},
		{Name: "gemini", APIKey: "k", IsActive: true},
	})
	th := throttle.New(kvc, registry, throttle.Config{}, logger)

	pauser := &pauseRecorder{}
	WireSuspension(th, q, registry, pauser, logger)

	for _, id := range []int64{41, 42} {
		if err := q.EnqueueMain(ctx, id, "openai"); err != nil {
			t.Fatalf("EnqueueMain(%d): %v", id, err)
		}
	}
	if _, err := q.LoadNextBatch(ctx, "openai", 1); err != nil {
		t.Fatalf("LoadNextBatch: %v", err)
	}

	var suspended bool
	for i := 0; i < 3; i++ {
		var err error
		if _, suspended, err = th.IncrementFailure(ctx, "openai"); err != nil {
			t.Fatalf("IncrementFailure #%d: %v", i+1, err)
		}
	}
	if !suspended {
		t.Fatal("third consecutive failure did not suspend the provider")
	}

	if mr.Exists("main:openai") || mr.Exists("active:openai") {
		t.Error("suspended provider still holds queued work")
	}
	if n, err := q.MainLen(ctx, "gemini"); err != nil || n != 2 {
		t.Errorf("gemini backlog = %d, %v; want both entries migrated", n, err)
	}
	if len(pauser.paused) != 1 || pauser.paused[0] != "openai" {
		t.Errorf("paused providers = %v, want [openai]", pauser.paused)
	}
}

func TestWireSuspensionSkipsSuspendedTargets(t *testing.T) {
	ctx := context.Background()
	_, kvc, _ := newTestPresence(t)
	logger := slog.New(slog.DiscardHandler)

	q := queue.New(kvc, queue.Config{}, logger)
	registry := providers.NewRegistry(kvc, logger)
	registry.Reload([]providers.Definition{
		{Name: "openai", APIKey: "k", IsActive: true},
		{Name: "gemini", APIKey: "k", IsActive: true},
		{Name: "deepseek", APIKey: "k", IsActive: true},
	})
	th := throttle.New(kvc, registry, throttle.Config{}, logger)
	WireSuspension(th, q, registry, &pauseRecorder{}, logger)

	if err := th.Suspend(ctx, "gemini"); err != nil {
		t.Fatalf("Suspend(gemini): %v", err)
	}
	if err := q.EnqueueMain(ctx, 7, "openai"); err != nil {
		t.Fatalf("EnqueueMain: %v", err)
	}
	if err := th.Suspend(ctx, "openai"); err != nil {
		t.Fatalf("Suspend(openai): %v", err)
	}

	if n, err := q.MainLen(ctx, "deepseek"); err != nil || n != 1 {
		t.Errorf("deepseek backlog = %d, %v; want the entry", n, err)
	}
	if n, _ := q.MainLen(ctx, "gemini"); n != 0 {
		t.Errorf("suspended gemini received %d entries", n)
	}
}
