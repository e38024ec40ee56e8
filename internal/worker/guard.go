package worker

import (
	"context"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/tasks"
)

// Guard pacing and per-cycle caps. The caps bound how much repair work
// one cycle does so a large backlog cannot stall the heartbeat.
const (
	DefaultGuardInterval = 30 * time.Second

	zombieLockTTL   = 2 * time.Minute
	zombieBatchMax  = 100
	enqueueBatchMax = 20
	retryBatchMax   = 10
)

// GuardConfig tunes the guard loop.
type GuardConfig struct {
	NodeName string
	Interval time.Duration
	// Providers restricts which providers this node spawns workers for.
	// Empty means every active provider plus rules.
	Providers []string
}

// Guard is the healing loop every node runs: it keeps the worker pool
// at target size, clears presence hashes of dead workers, settles
// running tasks nobody claims, queues dormant tasks and fires due
// auto-retries. Cross-node steps take a distributed lock so only one
// guard repairs at a time.
type Guard struct {
	cfg      GuardConfig
	kv       *kv.Client
	presence *Presence
	pool     *Pool // nil on nodes that only observe
	queues   *queue.Queues
	tasks    *tasks.Service
	registry *providers.Registry
	store    *store.Store
	logger   *slog.Logger

	// pidAlive is swapped in tests.
	pidAlive func(pid int) bool
}

// NewGuard wires the guard against the shared services.
func NewGuard(cfg GuardConfig, kvc *kv.Client, presence *Presence, pool *Pool, queues *queue.Queues, svc *tasks.Service, registry *providers.Registry, st *store.Store, logger *slog.Logger) *Guard {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGuardInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:      cfg,
		kv:       kvc,
		presence: presence,
		pool:     pool,
		queues:   queues,
		tasks:    svc,
		registry: registry,
		store:    st,
		logger:   logger.With("component", "guard"),
		pidAlive: pidAlive,
	}
}

// Run executes guard cycles until ctx is cancelled. The first cycle
// fires immediately so a fresh node heals without waiting an interval.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	g.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Cycle(ctx)
		}
	}
}

// Cycle runs one guard pass. Every step is independent; a failing step
// logs and the pass moves on.
func (g *Guard) Cycle(ctx context.Context) {
	workersPerProvider := 0
	if g.pool != nil {
		workersPerProvider = g.pool.cfg.WorkersPerProvider
	}
	if err := g.presence.NodeHeartbeat(ctx, g.cfg.NodeName, g.cfg.NodeName, "worker", workersPerProvider); err != nil {
		g.logger.Warn("node heartbeat failed", "error", err)
	}
	if err := g.registry.RefreshIfStale(ctx, g.store); err != nil {
		g.logger.Warn("provider refresh failed", "error", err)
	}

	g.cleanDeadWorkers(ctx)
	g.settleZombies(ctx)
	g.enqueueDormant(ctx)
	g.fireRetries(ctx)

	if g.pool != nil {
		if err := g.pool.Ensure(ctx, g.workerProviders()); err != nil {
			g.logger.Error("pool resize failed", "error", err)
		}
		g.pool.UpdateMetrics()
	}
	g.updateQueueMetrics(ctx)
}

// workerProviders is the set of providers this node spawns workers
// for: every active provider plus the deterministic rules path.
func (g *Guard) workerProviders() []string {
	names := g.cfg.Providers
	if len(names) == 0 {
		names = g.registry.ActiveNames()
	}
	seen := make(map[string]bool, len(names)+1)
	out := make([]string, 0, len(names)+1)
	for _, n := range append(names, providers.RulesName) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// cleanDeadWorkers drops presence hashes whose process is gone. Local
// workers are checked by signalling pid 0; workers on other hosts are
// trusted while their node hash is alive and swept once it expires.
func (g *Guard) cleanDeadWorkers(ctx context.Context) {
	workers, err := g.presence.ListWorkers(ctx)
	if err != nil {
		g.logger.Warn("worker listing failed", "error", err)
		return
	}
	for _, w := range workers {
		dead := false
		switch {
		case w.NodeName == g.cfg.NodeName:
			dead = !g.pidAlive(w.PID)
		default:
			alive, err := g.presence.NodeAlive(ctx, w.NodeName)
			if err != nil {
				continue
			}
			dead = !alive
		}
		if !dead {
			continue
		}
		g.logger.Warn("removing dead worker", "key", w.Key, "provider", w.Provider, "task_id", w.TaskID)
		if err := g.presence.RemoveWorker(ctx, w.Key); err != nil {
			g.logger.Warn("dead worker removal failed", "key", w.Key, "error", err)
		}
	}
}

// settleZombies reclassifies running tasks no live worker claims. The
// claims snapshot is read after the dead-worker sweep so a zombie's
// stale claim does not shield it.
func (g *Guard) settleZombies(ctx context.Context) {
	lock, ok, err := g.kv.AcquireLock(ctx, "guard:zombies", zombieLockTTL)
	if err != nil || !ok {
		return // another guard holds the lock
	}
	defer func() { _ = lock.Release(ctx) }()

	running, err := g.store.ListTasksByStatus(ctx, store.TaskRunning, zombieBatchMax)
	if err != nil {
		g.logger.Warn("running task listing failed", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}
	claimed, err := g.presence.ClaimedTasks(ctx)
	if err != nil {
		g.logger.Warn("claims listing failed", "error", err)
		return
	}

	for i := range running {
		id := running[i].ID
		if claimed[id] {
			continue
		}
		status, err := g.tasks.ReclassifyZombie(ctx, id)
		if err != nil {
			g.logger.Error("zombie reclassification failed", "task_id", id, "error", err)
			continue
		}
		g.logger.Warn("reclassified zombie task", "task_id", id, "status", status)
		g.tasks.PublishProgress(ctx, id)
		if status == store.TaskCreated {
			if _, err := g.tasks.Dispatch(ctx, id); err != nil {
				g.logger.Warn("zombie requeue failed", "task_id", id, "error", err)
			}
		}
	}
}

// enqueueDormant queues created tasks that sit in the store with no
// queue reference and no claim. This is the safety net for tasks
// created while the queue layer was unreachable.
func (g *Guard) enqueueDormant(ctx context.Context) {
	lock, ok, err := g.kv.AcquireLock(ctx, "guard:enqueue", zombieLockTTL)
	if err != nil || !ok {
		return
	}
	defer func() { _ = lock.Release(ctx) }()

	created, err := g.store.ListTasksByStatus(ctx, store.TaskCreated, enqueueBatchMax)
	if err != nil {
		g.logger.Warn("created task listing failed", "error", err)
		return
	}
	if len(created) == 0 {
		return
	}

	queued, err := g.queuedTaskIDs(ctx)
	if err != nil {
		g.logger.Warn("queue scan failed", "error", err)
		return
	}
	claimed, err := g.presence.ClaimedTasks(ctx)
	if err != nil {
		g.logger.Warn("claims listing failed", "error", err)
		return
	}

	for i := range created {
		id := created[i].ID
		if queued[id] || claimed[id] {
			continue
		}
		provider, err := g.tasks.Dispatch(ctx, id)
		if err != nil {
			g.logger.Warn("dormant task enqueue failed", "task_id", id, "error", err)
			continue
		}
		g.logger.Info("queued dormant task", "task_id", id, "provider", provider)
	}
}

// queuedTaskIDs collects every task id referenced by any provider's
// main or active queue.
func (g *Guard) queuedTaskIDs(ctx context.Context) (map[int64]bool, error) {
	names, err := g.queues.QueuedProviders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]bool)
	for _, provider := range names {
		snap, err := g.queues.Snapshot(ctx, provider)
		if err != nil {
			return nil, err
		}
		for _, e := range snap.Main {
			ids[e.TaskID] = true
		}
		for _, e := range snap.Active {
			ids[e.TaskID] = true
		}
	}
	return ids, nil
}

// fireRetries consumes due auto-retries. ExecuteRetry re-checks state
// under a row lock, so a race with another guard is only wasted work.
func (g *Guard) fireRetries(ctx context.Context) {
	due, err := g.tasks.PendingRetries(ctx, retryBatchMax)
	if err != nil {
		g.logger.Warn("retry poll failed", "error", err)
		return
	}
	for i := range due {
		id := due[i].ID
		ran, err := g.tasks.ExecuteRetry(ctx, id)
		if err != nil {
			g.logger.Error("auto retry failed", "task_id", id, "error", err)
			continue
		}
		if ran {
			g.tasks.PublishProgress(ctx, id)
		}
	}
}

// updateQueueMetrics refreshes the per-provider queue depth gauges.
func (g *Guard) updateQueueMetrics(ctx context.Context) {
	names, err := g.queues.QueuedProviders(ctx)
	if err != nil {
		return
	}
	for _, provider := range names {
		if n, err := g.queues.MainLen(ctx, provider); err == nil {
			metrics.QueueLength.WithLabelValues(provider, "main").Set(float64(n))
		}
		if n, err := g.queues.ActiveLen(ctx, provider); err == nil {
			metrics.QueueLength.WithLabelValues(provider, "active").Set(float64(n))
		}
	}
}

// pidAlive reports whether a process on this host still exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
