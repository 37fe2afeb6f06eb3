// Package observability exposes the coordinator's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksPulled counts successful pullTask claims by task type.
	TasksPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_tasks_pulled_total",
		Help: "Total number of tasks claimed via pullTask",
	}, []string{"task_type"})

	// TasksSubmitted counts submitResult calls by outcome.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_results_submitted_total",
		Help: "Total number of submitResult calls",
	}, []string{"success", "outcome"})

	// LeasesReclaimed counts tasks recovered by the lease-expiry monitor.
	LeasesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_leases_reclaimed_total",
		Help: "Total number of task leases reclaimed after expiry",
	}, []string{"terminal"})

	// NodesByStatus tracks the current count of nodes in each status.
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_nodes_by_status",
		Help: "Current number of registered nodes by status",
	}, []string{"status"})

	// QueueDepth tracks the number of QUEUED tasks by task type.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_queue_depth",
		Help: "Current number of queued tasks by type",
	}, []string{"task_type"})

	// TaskDuration records observed task execution durations as reported
	// in submitResult.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgemesh_task_duration_seconds",
		Help:    "Observed task execution duration as reported by agents",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_type", "success"})

	// EventBusDrops counts per-topic subscriber queue overflows.
	EventBusDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_eventbus_drops_total",
		Help: "Total number of events dropped due to a full subscriber queue",
	}, []string{"topic"})

	// HTTPRequestDuration tracks handler latency per route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgemesh_http_request_duration_seconds",
		Help:    "HTTP handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)
