// Package metrics declares the Prometheus metrics of kvrepair. Every
// series carries a node label so several in-process nodes can share the
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RepairSessions counts finished repair sessions by terminal state.
	RepairSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_repair_sessions_total",
		Help: "Repair sessions by terminal state",
	}, []string{"node", "state"})

	// RepairDuration tracks repair session latency.
	RepairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvrepair_repair_duration_seconds",
		Help:    "Repair session duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"node"})

	// SyncFailures counts participants whose hints/batchlog flush failed.
	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_repair_sync_failures_total",
		Help: "Pre-repair hints and batchlog flush failures by classification",
	}, []string{"node", "class"})

	// DifferingPartitions counts partitions found different during repair.
	DifferingPartitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_repair_differing_partitions_total",
		Help: "Partitions that differed between repair participants",
	}, []string{"node"})

	// StreamedFragments counts fragments sent to participants by repair.
	StreamedFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_repair_streamed_fragments_total",
		Help: "Fragments streamed to repair participants",
	}, []string{"node"})

	// PurgedTombstones counts tombstones dropped, by where the decision was made.
	PurgedTombstones = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_purged_tombstones_total",
		Help: "Tombstones purged by context",
	}, []string{"node", "context"})

	// ConfigUpdates counts committed config item writes.
	ConfigUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_config_updates_total",
		Help: "Config item updates by item and source",
	}, []string{"node", "item", "source"})

	// HintsStored counts hints queued for unavailable replicas.
	HintsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvrepair_hints_stored_total",
		Help: "Hints stored for unavailable replicas",
	}, []string{"node"})
)
