// Package metrics exposes the server's Prometheus instrumentation: tick
// timing, room/connection/queue gauges, and desync counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration measures how long a single Room finalizeTick pass takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockstep_tick_duration_seconds",
		Help:    "Time spent finalizing a single match tick.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	// RoomsActive is the number of match rooms currently running.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_rooms_active",
		Help: "Number of match rooms currently in progress.",
	})

	// ConnectionsActive is the number of live websocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_connections_active",
		Help: "Number of currently connected websocket clients.",
	})

	// QueueDepth is the number of players currently waiting in the
	// matchmaking queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_queue_depth",
		Help: "Number of players currently waiting in the matchmaking queue.",
	})

	// DesyncsDetected counts every tick at which connected players'
	// reported state hashes disagreed.
	DesyncsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_desyncs_detected_total",
		Help: "Total number of ticks at which a state hash mismatch was detected.",
	})

	// MatchesFinished counts completed matches by their end reason.
	MatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_matches_finished_total",
		Help: "Total number of matches that finished, labeled by end reason.",
	}, []string{"reason"})
)
