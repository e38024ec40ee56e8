package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loregraph/loregraph/internal/extract"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/throttle"
)

const (
	// DefaultPopTimeout bounds one blocking pop so the loop can notice
	// suspension and shutdown between pops.
	DefaultPopTimeout = 3 * time.Second

	suspendedSleep    = 5 * time.Second
	heartbeatInterval = 60 * time.Second
	suspendedLogEvery = 120 * time.Second
)

// Config tunes one worker process.
type Config struct {
	Provider   string
	NodeName   string
	PopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = providers.RulesName
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	return c
}

// Worker binds one process to one provider: it pops task references from
// the provider's active batch and runs the extraction loop for each. All
// state it shares with other workers lives in the KV and relational
// stores.
type Worker struct {
	cfg      Config
	queues   *queue.Queues
	throttle *throttle.Throttle
	runner   *extract.Runner
	presence *Presence
	logger   *slog.Logger
}

// New creates a worker bound to cfg.Provider.
func New(cfg Config, queues *queue.Queues, thr *throttle.Throttle, runner *extract.Runner, presence *Presence, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		queues:   queues,
		throttle: thr,
		runner:   runner,
		presence: presence,
		logger:   logger.With("component", "worker", "provider", cfg.Provider),
	}
}

// Run executes the worker loop until ctx is cancelled. A chapter in
// flight finishes before the loop exits; callers enforce a hard deadline
// by killing the process.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.presence.RegisterWorker(ctx, w.cfg.Provider, w.cfg.NodeName); err != nil {
		return err
	}
	w.logger.Info("worker started", "node", w.cfg.NodeName)
	defer func() {
		// ctx is usually cancelled by now; deregistration gets its own
		// short deadline so the hash does not linger for the guard.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.presence.DeregisterWorker(dctx); err != nil {
			w.logger.Warn("worker deregistration failed", "error", err)
		}
		w.logger.Info("worker stopped")
	}()

	lastHeartbeat := time.Now()
	lastSuspendLog := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.cfg.Provider != providers.RulesName {
			suspended, err := w.throttle.IsSuspended(ctx, w.cfg.Provider)
			if err != nil {
				w.logger.Warn("suspension check failed", "error", err)
			}
			if suspended {
				if time.Since(lastSuspendLog) >= suspendedLogEvery {
					ttl, _ := w.throttle.SuspendedFor(ctx, w.cfg.Provider)
					w.logger.Info("provider suspended, idling", "remaining", ttl)
					lastSuspendLog = time.Now()
				}
				lastHeartbeat = w.maybeHeartbeat(ctx, lastHeartbeat, 0)
				if !sleepCtx(ctx, suspendedSleep) {
					return nil
				}
				continue
			}
		}

		entry, err := w.queues.PopActive(ctx, w.cfg.Provider, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("active batch pop failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if entry == nil {
			lastHeartbeat = w.maybeHeartbeat(ctx, lastHeartbeat, heartbeatInterval)
			continue
		}

		w.process(ctx, entry)
		lastHeartbeat = w.maybeHeartbeat(ctx, lastHeartbeat, 0)
	}
}

// process runs the extraction loop for one popped reference. The
// reference is consumed either way: the relational state decides what is
// left to do, and a dropped task is re-queued by the guard.
func (w *Worker) process(ctx context.Context, entry *queue.Entry) {
	log := w.logger.With("task_id", entry.TaskID)
	if err := w.presence.Claim(ctx, entry.TaskID); err != nil {
		log.Warn("claim mark failed", "error", err)
	}
	defer func() {
		if err := w.presence.Unclaim(ctx); err != nil {
			log.Warn("claim clear failed", "error", err)
		}
	}()

	log.Info("processing task reference")
	if err := w.runner.BuildGraph(ctx, entry.TaskID, w.cfg.Provider); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("task interrupted by shutdown")
			return
		}
		log.Error("task processing failed", "error", err)
	}
}

// maybeHeartbeat refreshes the worker hash when at least minGap has
// passed; zero forces a refresh.
func (w *Worker) maybeHeartbeat(ctx context.Context, last time.Time, minGap time.Duration) time.Time {
	if minGap > 0 && time.Since(last) < minGap {
		return last
	}
	if err := w.presence.Heartbeat(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
	return time.Now()
}

// sleepCtx sleeps d, returning false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
