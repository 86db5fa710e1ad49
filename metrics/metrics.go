// Package metrics holds the Prometheus collectors exported by the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bufsize"

type Metrics struct {
	PacketsDecoded   *prometheus.CounterVec
	PacketsMalformed *prometheus.CounterVec
	PacketsTruncated *prometheus.CounterVec
	StaleUpdates     *prometheus.CounterVec
	Events           *prometheus.CounterVec
	CommandsSent     *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	SamplesDropped   prometheus.Counter

	Utilization *prometheus.GaugeVec
	QueueFill   *prometheus.GaugeVec
	Throughput  *prometheus.GaugeVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PacketsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_packets_total",
			Help:      "Event-capture datagrams decoded, per router.",
		}, []string{"router"}),
		PacketsMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_packets_malformed_total",
			Help:      "Datagrams too short to hold a capture header.",
		}, []string{"router"}),
		PacketsTruncated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_packets_truncated_total",
			Help:      "Datagrams whose record scan stopped inside a record.",
		}, []string{"router"}),
		StaleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_total",
			Help:      "Packets or update records dropped because they were older than the last accepted tick.",
		}, []string{"link"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Queue events applied to a link, by kind.",
		}, []string{"link", "kind"}),
		CommandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Command frames written to a peer, by opcode.",
		}, []string{"peer", "opcode"}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Command frames that could not be delivered.",
		}, []string{"peer"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connections re-established after a transport failure.",
		}, []string{"peer"}),
		SamplesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Time-series samples dropped because the store queue was full.",
		}),
		Utilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_utilization_ratio",
			Help:      "Smoothed throughput over the rate limit, clamped to 1.",
		}, []string{"link"}),
		QueueFill: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_queue_fill_ratio",
			Help:      "Queue occupancy over the active buffer size, clamped to 1.",
		}, []string{"link"}),
		Throughput: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_throughput_bps",
			Help:      "Smoothed departure throughput in bits per second.",
		}, []string{"link"}),
	}
}

// NewUnregistered returns collectors that are not exposed anywhere.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
