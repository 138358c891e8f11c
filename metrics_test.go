// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"testing"

	"github.com/destiny/shimipc/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricValue(t testing.TB, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.connected(1)
	m.received(KindQuery)
	m.received(KindQuery)
	m.received(KindResp)

	assert.Equal(t, 1.0, metricValue(t, m.ConnectionsAccepted))
	assert.Equal(t, 2.0, metricValue(t, m.MessagesReceived.WithLabelValues("QUERY")))
	assert.Equal(t, 1.0, metricValue(t, m.MessagesReceived.WithLabelValues("RESP")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "shimipc_worker_messages_received_total")
	assert.Contains(t, names, "shimipc_worker_connections_active")

	assert.Panics(t, func() { NewMetrics(reg) }, "collectors register once per registry")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.connected(1)
		m.disconnected(0)
		m.handshakeFailed()
		m.connectionError()
		m.received(KindDummy)
		m.replied()
		m.unknown()
		m.stale()
	})
}

func TestMetricsUnknownKindsShareSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := newTestDispatcher(Handlers{}, NewPending())
	d.metrics = NewMetrics(reg)
	c := newTestConn(testutil.NewScriptedStream(), testPeer)

	for k := Kind(1000); k < 1500; k++ {
		require.NoError(t, d.deliver(c, NewMessage(k, testPeer, testSelf, 0, nil)))
	}
	require.NoError(t, d.deliver(c, NewMessage(KindDummy, testPeer, testSelf, 0, nil)))

	families, err := reg.Gather()
	require.NoError(t, err)
	var series int
	for _, f := range families {
		if f.GetName() == "shimipc_worker_messages_received_total" {
			series = len(f.GetMetric())
		}
	}
	assert.Equal(t, 2, series)
	assert.Equal(t, 500.0, metricValue(t, d.metrics.MessagesReceived.WithLabelValues(unknownKindLabel)))
	assert.Equal(t, 500.0, metricValue(t, d.metrics.UnknownMessages))
}
