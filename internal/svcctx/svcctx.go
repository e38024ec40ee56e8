// Package svcctx provides service context for dependency injection via context.
// This package is separate from the runtime wiring to avoid import cycles
// between the CLI layer and the services it assembles.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/loregraph/loregraph/internal/config"
	"github.com/loregraph/loregraph/internal/graph"
	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/progress"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/scheduler"
	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/tasks"
	"github.com/loregraph/loregraph/internal/throttle"
	"github.com/loregraph/loregraph/internal/worker"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Config    *config.Config
	Store     *store.Store
	KV        *kv.Client
	Graph     *graph.Store
	Registry  *providers.Registry
	Queues    *queue.Queues
	Throttle  *throttle.Throttle
	Tasks     *tasks.Service
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Presence  *worker.Presence
	Progress  *progress.Publisher
	Logger    *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the relational store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// KVFrom extracts the KV client from context.
func KVFrom(ctx context.Context) *kv.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.KV
	}
	return nil
}

// GraphFrom extracts the graph store from context.
func GraphFrom(ctx context.Context) *graph.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Graph
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// QueuesFrom extracts the queue layer from context.
func QueuesFrom(ctx context.Context) *queue.Queues {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queues
	}
	return nil
}

// ThrottleFrom extracts the throttle from context.
func ThrottleFrom(ctx context.Context) *throttle.Throttle {
	if s := ServicesFrom(ctx); s != nil {
		return s.Throttle
	}
	return nil
}

// TasksFrom extracts the task service from context.
func TasksFrom(ctx context.Context) *tasks.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Tasks
	}
	return nil
}

// SchedulerFrom extracts the scheduler from context.
func SchedulerFrom(ctx context.Context) *scheduler.Scheduler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Scheduler
	}
	return nil
}

// PoolFrom extracts the worker process pool from context.
func PoolFrom(ctx context.Context) *worker.Pool {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pool
	}
	return nil
}

// PresenceFrom extracts the worker presence tracker from context.
func PresenceFrom(ctx context.Context) *worker.Presence {
	if s := ServicesFrom(ctx); s != nil {
		return s.Presence
	}
	return nil
}

// ProgressFrom extracts the progress publisher from context.
func ProgressFrom(ctx context.Context) *progress.Publisher {
	if s := ServicesFrom(ctx); s != nil {
		return s.Progress
	}
	return nil
}

// ConfigFrom extracts the loaded configuration from context.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}
