// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemWS = "ws"
)

// Metrics holds the Prometheus series exposed by the WebSocket server.
type Metrics struct {
	registry *prometheus.Registry

	WSConnections         prometheus.Gauge
	WSHandshakeRejections *prometheus.CounterVec
	WSMessageCounters     *prometheus.CounterVec
	WSFrameCounters       *prometheus.CounterVec
	WSBufferedBytes       prometheus.Gauge
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "connections_total",
			Help:      "Total number of currently connected WebSocket sessions",
		},
	)
	m.registry.MustRegister(m.WSConnections)

	m.WSHandshakeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "handshake_rejections_total",
			Help:      "Total number of handshake requests rejected before reaching state Connected",
		},
		[]string{"status"},
	)
	m.registry.MustRegister(m.WSHandshakeRejections)

	m.WSMessageCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "messages_total",
			Help:      "Total number of sent/received WebSocket messages",
		},
		[]string{"type", "direction"},
	)
	m.registry.MustRegister(m.WSMessageCounters)

	m.WSFrameCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "frames_total",
			Help:      "Total number of sent/received WebSocket frames",
		},
		[]string{"opcode", "direction"},
	)
	m.registry.MustRegister(m.WSFrameCounters)

	m.WSBufferedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "buffered_bytes",
			Help:      "Sum of bytes currently queued across all connections' send buffers",
		},
	)
	m.registry.MustRegister(m.WSBufferedBytes)

	return &m
}

func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

func (m *Metrics) IncWSHandshakeRejection(status string) {
	m.WSHandshakeRejections.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) IncWSMessages(msgType, direction string) {
	m.WSMessageCounters.With(prometheus.Labels{"type": msgType, "direction": direction}).Inc()
}

func (m *Metrics) IncWSFrames(opcode, direction string) {
	m.WSFrameCounters.With(prometheus.Labels{"opcode": opcode, "direction": direction}).Inc()
}

func (m *Metrics) SetWSBufferedBytes(v float64) {
	m.WSBufferedBytes.Set(v)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
