package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loregraph/loregraph/internal/config"
	"github.com/loregraph/loregraph/internal/graph"
	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/progress"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/svcctx"
	"github.com/loregraph/loregraph/internal/tasks"
	"github.com/loregraph/loregraph/internal/throttle"
	"github.com/loregraph/loregraph/internal/worker"
)

// closeTimeout bounds graceful connection teardown.
const closeTimeout = 5 * time.Second

// bootOptions selects which backends a command needs. Short-lived CLI
// commands skip the graph connection when they never touch it.
type bootOptions struct {
	withGraph bool
}

// buildServices assembles the service graph from the loaded config. The
// returned cleanup closes connections in reverse dependency order.
func buildServices(ctx context.Context, opts bootOptions) (*svcctx.Services, *config.Manager, func(), error) {
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg := manager.Get()
	logger := newLogger(cfg)

	kvc, err := kv.New(ctx, kv.Config{
		Addr:     cfg.KV.Addr,
		Password: config.ResolveEnvVars(cfg.KV.Password),
		DB:       cfg.KV.DB,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(ctx, store.Config{
		DSN:          config.ResolveEnvVars(cfg.Database.DSN),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		kvc.Close()
		return nil, nil, nil, err
	}

	var gr *graph.Store
	if opts.withGraph {
		gr, err = graph.New(ctx, graph.Config{
			URI:      cfg.Graph.URI,
			Username: cfg.Graph.Username,
			Password: config.ResolveEnvVars(cfg.Graph.Password),
			Database: cfg.Graph.Database,
		}, kvc, logger)
		if err != nil {
			st.Close()
			kvc.Close()
			return nil, nil, nil, err
		}
	}

	registry := providers.NewRegistry(kvc, logger)
	if err := registry.LoadFromStore(ctx, st); err != nil {
		logger.Warn("provider load failed, starting with rules only", "error", err)
	}

	thr := throttle.New(kvc, registry, throttle.Config{
		FailureThreshold: cfg.Throttle.FailureThreshold,
		SuspendTTL:       cfg.Throttle.SuspendTTL,
		FailTTL:          cfg.Throttle.FailTTL,
	}, logger)

	queues := queue.New(kvc, queue.Config{
		BatchSize:  cfg.Scheduler.BatchSize,
		PopTimeout: cfg.Worker.PopTimeout,
	}, logger)

	pub := progress.NewPublisher(kvc, logger)

	choose := func(ctx context.Context, useAI bool) string {
		return queues.ChooseProvider(ctx, useAI, registry.ActiveAINames(), func(p string) bool {
			suspended, err := thr.IsSuspended(ctx, p)
			return err == nil && suspended
		})
	}

	var cleaner tasks.GraphCleaner
	if gr != nil {
		cleaner = gr
	}
	svc := tasks.New(st, cleaner, queues, pub, choose, logger)

	presence := worker.NewPresence(kvc, logger)
	svc.SetClaimSource(presence)

	// Every process that counts failures can trip a suspension, so the
	// rebalance/pause fan-out is registered here, not in serve alone.
	worker.WireSuspension(thr, queues, registry, svc, logger)

	services := &svcctx.Services{
		Config:   cfg,
		Store:    st,
		KV:       kvc,
		Graph:    gr,
		Registry: registry,
		Queues:   queues,
		Throttle: thr,
		Tasks:    svc,
		Presence: presence,
		Progress: pub,
		Logger:   logger,
	}
	cleanup := func() {
		if gr != nil {
			cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := gr.Close(cctx); err != nil {
				logger.Warn("graph close failed", "error", err)
			}
		}
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
		if err := kvc.Close(); err != nil {
			logger.Warn("kv close failed", "error", err)
		}
	}
	return services, manager, cleanup, nil
}

// newLogger builds the process logger from the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
