// Package telemetry holds the module's prometheus instrumentation on a
// private registry. Exposition is the embedding program's concern.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects all kmirror metrics.
var Registry = prometheus.NewRegistry()

var (
	WatchSyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_watch_syncs_total",
		Help: "Completed initial lists / re-lists per cluster.",
	}, []string{"cluster"})

	WatchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_watch_failures_total",
		Help: "Watch or list failures per cluster.",
	}, []string{"cluster"})

	BuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_snapshot_builds_total",
		Help: "Snapshot builds executed, per domain.",
	}, []string{"domain"})

	BuildCoalesceHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_snapshot_build_coalesce_hits_total",
		Help: "Build requests served by an in-flight identical build.",
	}, []string{"domain"})

	StreamDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_stream_dropped_messages_total",
		Help: "Messages dropped from full subscriber buffers, per cluster.",
	}, []string{"cluster"})

	StreamSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kmirror_stream_subscribers",
		Help: "Active stream subscribers, per cluster.",
	}, []string{"cluster"})

	MetricsPollFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kmirror_metrics_poll_failures_total",
		Help: "Failed metrics polls per cluster.",
	}, []string{"cluster"})

	CatalogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kmirror_catalog_entries",
		Help: "Catalog entries currently indexed, per cluster.",
	}, []string{"cluster"})
)

func init() {
	Registry.MustRegister(
		WatchSyncsTotal,
		WatchFailuresTotal,
		BuildsTotal,
		BuildCoalesceHitsTotal,
		StreamDroppedTotal,
		StreamSubscribers,
		MetricsPollFailuresTotal,
		CatalogEntries,
	)
}
