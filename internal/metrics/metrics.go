// Package metrics exposes murmur's prometheus collectors. Collectors
// register against the default registry; the server mounts promhttp at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts accepted message submissions.
	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_submissions_total",
		Help: "Accepted message submissions.",
	})

	// SubmissionsRejected counts rejected submissions by reason.
	SubmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_submissions_rejected_total",
		Help: "Rejected message submissions.",
	}, []string{"reason"})

	// ClustersTotal counts clusters emitted by the engine.
	ClustersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_clusters_total",
		Help: "Clusters emitted by the traversal engine.",
	})

	// PollFailures counts failed new-message polls.
	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_poll_failures_total",
		Help: "Failed new-message polls against the store.",
	})

	// WorkingSetSize tracks working-set occupancy.
	WorkingSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_working_set_size",
		Help: "Messages currently in the display working set.",
	})

	// PriorityQueueSize tracks priority-queue occupancy.
	PriorityQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_priority_queue_size",
		Help: "New messages buffered for first display.",
	})

	// SurgeMode is 1 while surge mode is active.
	SurgeMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_surge_mode",
		Help: "Whether the engine is in surge mode (1) or not (0).",
	})
)
