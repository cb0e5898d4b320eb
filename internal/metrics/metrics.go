// Package metrics holds the process-wide prometheus collectors of the
// execution engine. They register on the default registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_node_transitions_total",
		Help: "Applied node status transitions by target status",
	}, []string{"status"})

	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_node_failures_total",
		Help: "Recorded node failures by classification",
	}, []string{"error_type"})

	StaleSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_stale_signals_total",
		Help: "Updates and completions dropped because their execution token was no longer current",
	}, []string{"source"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_dispatch_total",
		Help: "Dispatch attempts by strategy and result",
	}, []string{"strategy", "result"})

	SubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelforge_provider_submit_duration_seconds",
		Help:    "Provider job submission latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_poll_attempts_total",
		Help: "Provider status polls by provider and reported state",
	}, []string{"provider", "state"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_callbacks_total",
		Help: "Inbound compute callbacks by result",
	}, []string{"result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelforge_workqueue_pending",
		Help: "Tasks waiting in the work queue, including delayed ones",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelforge_workqueue_task_duration_seconds",
		Help:    "Work queue task handler duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind", "result"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelforge_http_request_duration_seconds",
		Help:    "Served HTTP requests by matched route and status code",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)
