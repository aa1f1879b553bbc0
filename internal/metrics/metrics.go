// Package metrics exposes Prometheus metrics for the offline worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitsync_fetches_total",
			Help: "Intercepted fetches by request class and outcome source",
		},
		[]string{"class", "source"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitsync_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	PendingQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fitsync_pending_queue_depth",
			Help: "Current number of queued offline mutations",
		},
	)

	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitsync_sync_passes_total",
			Help: "Completed synchronization passes by result",
		},
		[]string{"result"},
	)

	SyncReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fitsync_sync_replays_total",
			Help: "Replayed pending requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
