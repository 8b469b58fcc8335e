// Package metrics registers the prometheus/client_golang collectors
// exposed by cmd/coordnode (SPEC_FULL.md §10.6): lock acquisition latency
// histograms, an active-session gauge, a GC sweep counter, and exchange
// message counters by kind.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusdb/coord/transport"
)

// Collectors bundles every metric this node exposes, registered once
// against a prometheus.Registerer.
type Collectors struct {
	ReadLockAcquireSeconds  prometheus.Histogram
	WriteLockAcquireSeconds prometheus.Histogram
	ActiveSessions          prometheus.Gauge
	GCSweeps                prometheus.Counter
	GCReclaims              prometheus.Counter
	ExchangeMessagesSent    *prometheus.CounterVec
	ExchangeMessagesRecv    *prometheus.CounterVec
}

// New constructs and registers the collector set against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ReadLockAcquireSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coord",
			Subsystem: "lockmgr",
			Name:      "read_lock_acquire_seconds",
			Help:      "Time spent acquiring a read-lock, including distributed-CAS retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteLockAcquireSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coord",
			Subsystem: "lockmgr",
			Name:      "write_lock_acquire_seconds",
			Help:      "Time spent acquiring a write-lock, including reader drain.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coord",
			Subsystem: "session",
			Name:      "active_sessions",
			Help:      "Number of sessions observed not-ended as of the last garbage-collector sweep.",
		}),
		GCSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coord",
			Subsystem: "gc",
			Name:      "sweeps_total",
			Help:      "Number of garbage-collector sweeps completed.",
		}),
		GCReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coord",
			Subsystem: "gc",
			Name:      "reclaims_total",
			Help:      "Number of ephemeral entries reclaimed by the garbage collector.",
		}),
		ExchangeMessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Subsystem: "exchange",
			Name:      "messages_sent_total",
			Help:      "Exchange messages sent, by kind.",
		}, []string{"kind"}),
		ExchangeMessagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Subsystem: "exchange",
			Name:      "messages_received_total",
			Help:      "Exchange messages received, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.ReadLockAcquireSeconds,
		c.WriteLockAcquireSeconds,
		c.ActiveSessions,
		c.GCSweeps,
		c.GCReclaims,
		c.ExchangeMessagesSent,
		c.ExchangeMessagesRecv,
	)
	return c
}

// ObserveExchangeSent records one sent message of the given kind.
func (c *Collectors) ObserveExchangeSent(kind transport.Kind) {
	c.ExchangeMessagesSent.WithLabelValues(kindLabel(kind)).Inc()
}

// ObserveExchangeRecv records one received message of the given kind.
func (c *Collectors) ObserveExchangeRecv(kind transport.Kind) {
	c.ExchangeMessagesRecv.WithLabelValues(kindLabel(kind)).Inc()
}

func kindLabel(kind transport.Kind) string {
	switch kind {
	case transport.KindReadLockReleased:
		return "read_lock_released"
	case transport.KindWriteLockReleased:
		return "write_lock_released"
	case transport.KindInvalidateCacheEntry:
		return "invalidate_cache_entry"
	default:
		return "unknown"
	}
}
