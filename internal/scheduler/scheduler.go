// Package scheduler promotes queued tasks into active batches.
//
// The loop is deliberately dumb: every tick it finds providers whose
// active batch has drained while a backlog remains, and loads the next
// batch. Missing a tick is harmless, the invariant is only that a
// non-empty backlog with an empty active batch is eventually refilled.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/queue"
)

const (
	// DefaultInterval is the gap between promotion passes.
	DefaultInterval = 5 * time.Second

	lockName = "scheduler"
)

// Config tunes the scheduler loop.
type Config struct {
	Interval time.Duration
	// WithLock gates each pass on a distributed lock so only one
	// instance promotes cluster-wide. Losing the race skips the tick.
	WithLock bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Scheduler drives batch promotion for all providers.
type Scheduler struct {
	queues *queue.Queues
	kv     *kv.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a scheduler.
func New(queues *queue.Queues, kvc *kv.Client, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queues: queues,
		kv:     kvc,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "scheduler"),
	}
}

// Run executes promotion passes until ctx is cancelled. The first pass
// happens immediately so a restart does not leave workers idle for a
// full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "locked", s.cfg.WithLock)
	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one promotion pass.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.cfg.WithLock {
		lock, ok, err := s.kv.AcquireLock(ctx, lockName, 2*s.cfg.Interval)
		if err != nil {
			s.logger.Warn("scheduler lock unavailable", "error", err)
			return
		}
		if !ok {
			s.logger.Debug("another instance holds the scheduler lock")
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				s.logger.Warn("scheduler lock release failed", "error", err)
			}
		}()
	}

	providers, err := s.queues.QueuedProviders(ctx)
	if err != nil {
		s.logger.Warn("queue scan failed", "error", err)
		return
	}

	for _, p := range providers {
		mainLen, err := s.queues.MainLen(ctx, p)
		if err != nil {
			s.logger.Warn("backlog length unavailable", "provider", p, "error", err)
			continue
		}
		activeLen, err := s.queues.ActiveLen(ctx, p)
		if err != nil {
			s.logger.Warn("active length unavailable", "provider", p, "error", err)
			continue
		}
		metrics.QueueLength.WithLabelValues(p, "main").Set(float64(mainLen))
		metrics.QueueLength.WithLabelValues(p, "active").Set(float64(activeLen))

		if mainLen == 0 || activeLen > 0 {
			continue
		}
		moved, err := s.queues.LoadNextBatch(ctx, p, 0)
		if err != nil {
			s.logger.Error("batch promotion failed", "provider", p, "error", err)
			continue
		}
		if moved > 0 {
			metrics.BatchPromotions.WithLabelValues(p).Inc()
			metrics.BatchEntriesPromoted.WithLabelValues(p).Add(float64(moved))
			s.logger.Debug("promoted batch", "provider", p, "count", moved, "backlog", mainLen-int64(moved))
		}
	}
}
