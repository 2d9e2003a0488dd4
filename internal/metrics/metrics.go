// Package metrics defines the in-process counters and gauges the engine
// maintains per connection. It uses prometheus/client_golang the way
// runZeroInc's go-tcpinfo stage registers socket-level gauges and the way
// caddy registers server metrics: plain collectors created once and updated
// inline on the hot path, with no HTTP exporter wired here (the exporter
// process is explicitly out of scope per spec.md §1).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Connection bundles the collectors for a single connection. Callers that
// want process-wide aggregation can register these with their own
// prometheus.Registry; by default they are unregistered, free-standing
// collectors so that short-lived test connections don't leak into the
// global registry.
type Connection struct {
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	InvalidPackets    prometheus.Counter
	Retransmits       prometheus.Counter
	FECRepairsSent    prometheus.Counter
	FECRecoveries     prometheus.Counter
	CongestionWindow  prometheus.Gauge
	SmoothedRTT       prometheus.Gauge
	BytesInFlight     prometheus.Gauge
	RateLimitDeferred prometheus.Counter
	RateLimitDropped  prometheus.Counter
}

// NewConnection builds a fresh, unregistered set of collectors labeled with
// the given connection id so a caller can register them under their own
// registry namespace if desired.
func NewConnection(id string) *Connection {
	labels := prometheus.Labels{"connection_id": id}
	return &Connection{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "conn", Name: "packets_sent_total",
			Help: "Outbound datagrams emitted by the connection driver.", ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "conn", Name: "packets_received_total",
			Help: "Inbound datagrams accepted by the connection driver.", ConstLabels: labels,
		}),
		InvalidPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "crypto", Name: "invalid_packets_total",
			Help: "Packets dropped for failing replay or auth-tag checks.", ConstLabels: labels,
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "reliability", Name: "retransmits_total",
			Help: "Frames retransmitted by the reliability layer.", ConstLabels: labels,
		}),
		FECRepairsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "fec", Name: "repairs_sent_total",
			Help: "FEC repair frames generated.", ConstLabels: labels,
		}),
		FECRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "fec", Name: "recoveries_total",
			Help: "Source frames reconstructed from FEC repair data.", ConstLabels: labels,
		}),
		CongestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jetstreamproto", Subsystem: "congestion", Name: "cwnd_bytes",
			Help: "Current congestion window in bytes.", ConstLabels: labels,
		}),
		SmoothedRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jetstreamproto", Subsystem: "congestion", Name: "smoothed_rtt_seconds",
			Help: "RFC 6298 smoothed RTT estimate.", ConstLabels: labels,
		}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jetstreamproto", Subsystem: "reliability", Name: "bytes_in_flight",
			Help: "Bytes currently awaiting acknowledgement.", ConstLabels: labels,
		}),
		RateLimitDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "ratelimit", Name: "deferred_total",
			Help: "Reliable frames deferred by the rate limiter.", ConstLabels: labels,
		}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jetstreamproto", Subsystem: "ratelimit", Name: "dropped_total",
			Help: "BestEffort frames dropped by the rate limiter.", ConstLabels: labels,
		}),
	}
}

// Collectors returns every collector so a caller can Register them in bulk.
func (c *Connection) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.PacketsSent, c.PacketsReceived, c.InvalidPackets, c.Retransmits,
		c.FECRepairsSent, c.FECRecoveries, c.CongestionWindow, c.SmoothedRTT,
		c.BytesInFlight, c.RateLimitDeferred, c.RateLimitDropped,
	}
}
