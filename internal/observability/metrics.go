// Package observability – core Prometheus collectors
//
// This file registers the metrics the lifecycle core emits: expiration sweep
// activity, receipt reconciliation throughput, and cache/pending depths.
// Label cardinality is kept to small closed sets (result, protocol kind) so
// the series count stays bounded. All collectors are safe for concurrent use.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExpiredMessages counts messages destroyed by expiration sweeps.
	ExpiredMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_expired_messages_total",
		Help: "Total number of messages destroyed by expiration sweeps.",
	})

	// SweepDuration records wall-clock duration of full destroy sweeps.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_expiry_sweep_duration_seconds",
		Help:    "Duration of full expiration sweeps in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// SweepBatchCooldowns counts cooldown pauses inserted after slow batches.
	SweepBatchCooldowns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_expiry_batch_cooldowns_total",
		Help: "Total number of back-pressure cooldowns between sweep batches.",
	})

	// ReceiptsProcessed counts receipt/read-sync entries by outcome.
	ReceiptsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_receipts_processed_total",
		Help: "Total receipt and read-sync entries processed, by result.",
	}, []string{"kind", "result"})

	// PendingDepth gauges buffered out-of-order items per protocol.
	PendingDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messenger_pending_targets",
		Help: "Number of buffered reactions/recalls waiting for their target.",
	}, []string{"kind"})

	// RegistrySize gauges the number of live cached message objects.
	RegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_registry_entries",
		Help: "Current number of messages held by the in-memory registry.",
	})
)

func init() {
	prometheus.MustRegister(
		ExpiredMessages,
		SweepDuration,
		SweepBatchCooldowns,
		ReceiptsProcessed,
		PendingDepth,
		RegistrySize,
	)
}
