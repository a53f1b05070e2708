// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all nfregex Prometheus collectors.
type Metrics struct {
	// Queue metrics
	Packets        *prometheus.CounterVec
	Terminations   *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	QueueBound     *prometheus.GaugeVec

	// Stream metrics
	Streams     *prometheus.CounterVec
	OpenHandles *prometheus.GaugeVec

	// Filter metrics
	FilterBlocked *prometheus.CounterVec

	// Firewall rule counters, refreshed by Collector
	RulePackets *prometheus.GaugeVec
	RuleBytes   *prometheus.GaugeVec
}

// NewMetrics creates the collectors. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfregex_packets_total",
			Help: "Total number of queued packets by verdict",
		}, []string{"queue", "verdict"}),

		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfregex_terminations_total",
			Help: "Total number of connections terminated with an injected FIN+ACK",
		}, []string{"queue"}),

		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfregex_protocol_errors_total",
			Help: "Total number of malformed netlink messages dropped",
		}, []string{"queue"}),

		QueueBound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfregex_queue_bound",
			Help: "Whether a queue number is bound (1 for bound, 0 for released)",
		}, []string{"queue"}),

		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfregex_streams_total",
			Help: "Total number of TCP stream lifecycle events",
		}, []string{"queue", "state"}),

		OpenHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfregex_open_handles",
			Help: "Number of open matcher stream handles",
		}, []string{"queue"}),

		FilterBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfregex_filter_blocked_total",
			Help: "Total number of blocking decisions by filter",
		}, []string{"service", "filter"}),

		RulePackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfregex_rule_packets",
			Help: "Packets that hit a service queue rule",
		}, []string{"service", "direction"}),

		RuleBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfregex_rule_bytes",
			Help: "Bytes that hit a service queue rule",
		}, []string{"service", "direction"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Packets, m.Terminations, m.ProtocolErrors, m.QueueBound,
		m.Streams, m.OpenHandles,
		m.FilterBlocked,
		m.RulePackets, m.RuleBytes,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Queue returns the collectors curried for one queue number.
func (m *Metrics) Queue(num uint16) *Queue {
	q := strconv.Itoa(int(num))
	return &Queue{
		Accepted:       m.Packets.WithLabelValues(q, "accept"),
		Dropped:        m.Packets.WithLabelValues(q, "drop"),
		Rewritten:      m.Packets.WithLabelValues(q, "rewrite"),
		Terminations:   m.Terminations.WithLabelValues(q),
		ProtocolErrors: m.ProtocolErrors.WithLabelValues(q),
		Bound:          m.QueueBound.WithLabelValues(q),
		StreamsOpened:  m.Streams.WithLabelValues(q, "opened"),
		StreamsPartial: m.Streams.WithLabelValues(q, "partial"),
		StreamsFlagged: m.Streams.WithLabelValues(q, "flagged"),
		StreamsClosed:  m.Streams.WithLabelValues(q, "closed"),
		OpenHandles:    m.OpenHandles.WithLabelValues(q),
	}
}

// Queue is the per-queue view of Metrics.
type Queue struct {
	Accepted       prometheus.Counter
	Dropped        prometheus.Counter
	Rewritten      prometheus.Counter
	Terminations   prometheus.Counter
	ProtocolErrors prometheus.Counter
	Bound          prometheus.Gauge

	StreamsOpened  prometheus.Counter
	StreamsPartial prometheus.Counter
	StreamsFlagged prometheus.Counter
	StreamsClosed  prometheus.Counter
	OpenHandles    prometheus.Gauge
}
