// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceivedTotal counts authenticated packets by verb
	PacketsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_received_total",
			Help: "Total number of authenticated packets received",
		},
		[]string{"verb"},
	)

	// PacketsSentTotal counts packets sent by verb
	PacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_sent_total",
			Help: "Total number of packets sent",
		},
		[]string{"verb"},
	)

	// PacketsDroppedTotal counts inbound packets dropped by error kind
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_dropped_total",
			Help: "Total number of inbound packets dropped",
		},
		[]string{"reason"},
	)

	// PacketsForwardedTotal counts packets relayed for other nodes
	PacketsForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_packets_forwarded_total",
			Help: "Total number of packets forwarded to another node",
		},
	)

	// FragmentsReassembledTotal counts packets completed from fragments
	FragmentsReassembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_fragments_reassembled_total",
			Help: "Total number of packets reassembled from fragments",
		},
	)

	// FragmentsEvictedTotal counts incomplete packets given up on
	FragmentsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_fragments_evicted_total",
			Help: "Total number of incomplete packets evicted or timed out",
		},
	)

	// WhoisPending tracks outstanding address lookups
	WhoisPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_whois_pending",
			Help: "Number of addresses awaiting WHOIS resolution",
		},
	)

	// WhoisRequestedTotal counts addresses requested in WHOIS packets
	WhoisRequestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_whois_requested_total",
			Help: "Total number of addresses requested via WHOIS",
		},
	)

	// WhoisExpiredTotal counts lookups abandoned after the last retry
	WhoisExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_whois_expired_total",
			Help: "Total number of WHOIS lookups that expired unanswered",
		},
	)

	// WhoisDroppedPacketsTotal counts packets lost while waiting on WHOIS
	WhoisDroppedPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_whois_dropped_packets_total",
			Help: "Total number of packets dropped while waiting on WHOIS",
		},
	)

	// Peers tracks known peers
	Peers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_peers",
			Help: "Number of peers with a known identity",
		},
	)

	// Sessions tracks sessions, pending and established
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_sessions",
			Help: "Number of sessions",
		},
	)
)
