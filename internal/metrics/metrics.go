// Package metrics exposes the Prometheus instrumentation shared by the
// scheduler, workers and throttle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ChaptersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_chapters_processed_total",
	Help: "counter of chapters finished by extraction workers, by terminal status",
}, []string{"provider", "status"})

var ChapterDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "loregraph_chapter_duration_seconds",
	Help:    "histogram of wall time spent extracting one chapter",
	Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
}, []string{"provider"})

var ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_provider_failures_total",
	Help: "counter of failed provider calls, by error kind",
}, []string{"provider", "kind"})

var ProviderSuspensions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_provider_suspensions_total",
	Help: "counter of providers suspended after consecutive failures",
}, []string{"provider"})

var RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_rate_limit_denials_total",
	Help: "counter of rate-limit permits denied to workers",
}, []string{"provider"})

var BatchPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_batch_promotions_total",
	Help: "counter of batches promoted from the backlog to the active queue",
}, []string{"provider"})

var BatchEntriesPromoted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_batch_entries_promoted_total",
	Help: "counter of queue entries promoted to active batches",
}, []string{"provider"})

var QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "loregraph_queue_length",
	Help: "current queue depth per provider, split by queue level",
}, []string{"provider", "queue"})

var LiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "loregraph_live_workers",
	Help: "number of worker processes with a fresh heartbeat",
}, []string{"provider"})

var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loregraph_tasks_finished_total",
	Help: "counter of tasks reaching a terminal status",
}, []string{"status"})

var GraphWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loregraph_graph_write_failures_total",
	Help: "counter of graph writes that were spilled to the dead-letter queue",
})
