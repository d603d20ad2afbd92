// Package metrics exposes prometheus instrumentation for lorekeeper.
// 'promauto' registers everything against the default registry, so callers
// only need to expose promhttp somewhere to scrape these.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Consolidation batches by terminal outcome (succeeded, failed, escalated).
	ConsolidationBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_consolidation_batches_total",
			Help: "Total consolidation batches processed, by outcome",
		},
		[]string{"outcome"},
	)

	// Graph write operations accepted by the pipeline.
	GraphWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_graph_writes_total",
			Help: "Accepted graph operations, by kind (create, update, invalidate)",
		},
		[]string{"kind"},
	)

	// Verification latency per tier. Buckets span the FAST budget through
	// the SLOW ceiling.
	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lorekeeper_verification_duration_seconds",
			Help:    "Duration of verification runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tier"},
	)

	// Unacknowledged MEDIUM-tier notifications.
	PendingNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lorekeeper_pending_notifications",
			Help: "Notifications waiting for acknowledgement",
		},
	)

	// Nodes resident in the hot tier.
	HotTierNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lorekeeper_hot_tier_nodes",
			Help: "Nodes currently resident in the hot tier",
		},
	)

	// Hot tier hit/miss counters.
	HotTierLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_hot_tier_lookups_total",
			Help: "Hot tier lookups, by result (hit, miss)",
		},
		[]string{"result"},
	)
)
