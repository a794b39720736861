package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync engine
	WalksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_walks_total",
			Help: "Chain walks by terminating reason",
		},
		[]string{"agent", "stop_reason"},
	)

	WalkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainmirror_walk_duration_seconds",
			Help:    "Wall time of a single chain walk",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
	)

	RecordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_records_persisted_total",
			Help: "Records newly inserted into the record store",
		},
		[]string{"agent"},
	)

	HeadUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_head_updates_total",
			Help: "Head observations delivered to the coordinator",
		},
		[]string{"source"}, // "subscription", "poll", "resync", "startup"
	)

	// Content network
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_fetch_attempts_total",
			Help: "Content fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_cache_lookups_total",
			Help: "Content cache lookups",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// Fan-out
	BroadcastDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_broadcast_dropped_total",
			Help: "Records dropped because a subscriber or sink queue was full",
		},
		[]string{"target"},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainmirror_live_subscribers",
			Help: "Currently connected live subscribers",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmirror_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
