// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one IPC worker.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	HandshakeFailures   prometheus.Counter
	ConnectionErrors    prometheus.Counter

	MessagesReceived *prometheus.CounterVec
	RepliesSent      prometheus.Counter
	UnknownMessages  prometheus.Counter
	StaleResponses   prometheus.Counter
}

// NewMetrics creates the worker collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "connections_active",
			Help:      "Number of live incoming IPC connections",
		}),
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "connections_accepted_total",
			Help:      "Incoming IPC connections that completed the id handshake",
		}),
		ConnectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "connections_closed_total",
			Help:      "Incoming IPC connections removed from the worker",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "handshake_failures_total",
			Help:      "Accepted connections dropped before sending their peer id",
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "connection_errors_total",
			Help:      "Connections torn down because of a read, protocol or send error",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "messages_received_total",
			Help:      "IPC messages received, by kind; tags outside the known set count as unknown",
		}, []string{"kind"}),
		RepliesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "replies_sent_total",
			Help:      "Automatic replies sent for handled requests",
		}),
		UnknownMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "unknown_messages_total",
			Help:      "Messages dropped because no handler serves their kind",
		}),
		StaleResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shimipc",
			Subsystem: "worker",
			Name:      "stale_responses_total",
			Help:      "Responses that matched no pending request",
		}),
	}
}

func (m *Metrics) connected(active int) {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Set(float64(active))
}

func (m *Metrics) disconnected(active int) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.ConnectionsActive.Set(float64(active))
}

func (m *Metrics) handshakeFailed() {
	if m != nil {
		m.HandshakeFailures.Inc()
	}
}

func (m *Metrics) connectionError() {
	if m != nil {
		m.ConnectionErrors.Inc()
	}
}

// unknownKindLabel collapses tags outside the known set into one series.
const unknownKindLabel = "unknown"

func (m *Metrics) received(kind Kind) {
	if m == nil {
		return
	}
	label := unknownKindLabel
	if kind.Valid() {
		label = kind.String()
	}
	m.MessagesReceived.WithLabelValues(label).Inc()
}

func (m *Metrics) replied() {
	if m != nil {
		m.RepliesSent.Inc()
	}
}

func (m *Metrics) unknown() {
	if m != nil {
		m.UnknownMessages.Inc()
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleResponses.Inc()
	}
}
