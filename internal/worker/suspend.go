package worker

import (
	"context"
	"log/slog"

	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/throttle"
)

// TaskPauser pauses every running task claimed on a provider.
type TaskPauser interface {
	PauseRunningOnProvider(ctx context.Context, provider string) (int, error)
}

// WireSuspension registers the suspension fan-out: a suspended provider
// keeps neither its queued work nor its running tasks. Its backlog shifts
// to the remaining non-suspended AI providers and in-flight tasks pause
// until the suspension lifts. Suspensions trip wherever failures are
// counted, worker processes included, so this belongs to service
// construction rather than to any one command.
func WireSuspension(thr *throttle.Throttle, queues *queue.Queues, registry *providers.Registry, pauser TaskPauser, logger *slog.Logger) {
	thr.OnSuspend(func(ctx context.Context, provider string) {
		targets := make([]string, 0)
		for _, name := range registry.ActiveAINames() {
			if name == provider {
				continue
			}
			if suspended, err := thr.IsSuspended(ctx, name); err == nil && suspended {
				continue
			}
			targets = append(targets, name)
		}
		if _, err := queues.Rebalance(ctx, provider, targets, queue.StrategyShortest); err != nil {
			logger.Error("suspension rebalance failed", "provider", provider, "error", err)
		}
		if n, err := pauser.PauseRunningOnProvider(ctx, provider); err != nil {
			logger.Error("suspension pause failed", "provider", provider, "error", err)
		} else if n > 0 {
			logger.Info("paused tasks on suspended provider", "provider", provider, "count", n)
		}
	})
}
