// Package metrics defines Prometheus metrics for the client layer.
// All collectors are registered upfront so library code can use them
// without touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks connections currently reserved by callers.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evpg_pool_connections_active",
		Help: "Number of connections reserved by callers",
	})

	// ConnectionsIdle tracks connections available in the pool.
	ConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evpg_pool_connections_idle",
		Help: "Number of idle connections in the pool",
	})

	// ConnectionsDropped counts broken connections closed instead of reused.
	ConnectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evpg_pool_connections_dropped_total",
		Help: "Broken connections dropped by the pool",
	})

	// QueueLength tracks callers parked waiting for a connection.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evpg_pool_queue_length",
		Help: "Number of callers waiting for a pool connection",
	})

	// QueueWaitDuration tracks the time callers spend parked.
	QueueWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evpg_pool_queue_wait_seconds",
		Help:    "Time spent waiting for a pool connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	// AcquiresTotal counts pool acquisitions by how they were satisfied.
	AcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evpg_pool_acquires_total",
		Help: "Pool acquisitions by outcome",
	}, []string{"source"})

	// CommandsTotal counts commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evpg_commands_total",
		Help: "Commands dispatched, by kind and outcome",
	}, []string{"kind", "status"})

	// CommandDuration tracks command execution time by kind.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evpg_command_duration_seconds",
		Help:    "Command execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	// HandshakesTotal counts connects and resets by outcome.
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evpg_handshakes_total",
		Help: "Connection handshakes, by kind and outcome",
	}, []string{"kind", "status"})

	// ReconnectsTotal counts reconnect-policy decisions.
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evpg_reconnects_total",
		Help: "Automatic reconnect attempts by outcome",
	}, []string{"outcome"})

	// TimeoutsTotal counts expired query and connect deadlines.
	TimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evpg_timeouts_total",
		Help: "Deadline expirations by operation",
	}, []string{"op"})
)
