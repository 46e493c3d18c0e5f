package fleetcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_fetch_total",
			Help: "Snapshot fetches against managed clusters, by result.",
		},
		[]string{"result"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_cache_hits_total",
			Help: "Reads served from the snapshot cache without a fetch.",
		},
	)

	openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_open_channels",
			Help: "Live channels currently registered.",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_events_total",
			Help: "Live channel events reconciled into the cache, by type.",
		},
		[]string{"type"},
	)

	droppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_dropped_events_total",
			Help: "Live channel events that could not be applied.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(fetchTotal, cacheHitsTotal, openChannels, eventsTotal, droppedEventsTotal)
}
