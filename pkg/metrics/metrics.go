package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Streaming fan-out metrics
var (
	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_broadcasts_total",
			Help: "Total broadcast fan-out passes per channel",
		},
		[]string{"channel"},
	)

	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_send_failures_total",
			Help: "Client send failures that caused a connection teardown",
		},
		[]string{"channel"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickstream_active_connections",
			Help: "Currently registered streaming connections per channel",
		},
		[]string{"channel"},
	)
)

// Broker metrics
var (
	DroppedPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_broker_dropped_payloads_total",
			Help: "Payloads dropped at the broker boundary (malformed or wrong type tag)",
		},
		[]string{"channel", "reason"},
	)

	BrokerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_broker_reconnects_total",
			Help: "Broker reconnect attempts per channel",
		},
		[]string{"channel"},
	)
)

// Cache metrics
var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_cache_hits_total",
		Help: "Cache reads answered from the cache backend",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_cache_misses_total",
		Help: "Cache reads that fell through to durable storage",
	})

	CacheDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_cache_degraded_total",
		Help: "Cache backend failures absorbed as misses or swallowed write-backs",
	})
)

func init() {
	prometheus.MustRegister(BroadcastsTotal, SendFailures, ActiveConnections)
	prometheus.MustRegister(DroppedPayloads, BrokerReconnects)
	prometheus.MustRegister(CacheHits, CacheMisses, CacheDegraded)
}
