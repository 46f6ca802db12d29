// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics wraps the Prometheus counters and gauges emitted by the
// register, drive, and wire packages, following the constructor shape of
// the consensus engine's per-subsystem metrics (one struct of typed
// collectors, built from a prometheus.Registerer that may be nil).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Register holds the metrics emitted by a single register.Register.
type Register struct {
	Appends        prometheus.Counter
	AppendSeconds  prometheus.Histogram
	VerifyFailures prometheus.Counter
	Entries        prometheus.Gauge
	Bytes          prometheus.Gauge
}

// NewRegister constructs Register metrics, registering them with reg if
// non-nil. prefix starts every metric name, so multiple registers
// (metadata, content) coexist under distinct metric names.
func NewRegister(reg prometheus.Registerer, prefix string) *Register {
	m := &Register{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_appends_total",
			Help: "Number of data entries appended to the register.",
		}),
		AppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_append_seconds",
			Help:    "Latency of a single register append, including fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_verify_failures_total",
			Help: "Number of entries that failed Merkle or signature verification.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_entries",
			Help: "Current number of data entries in the register.",
		}),
		Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_bytes",
			Help: "Current total size in bytes of all data entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Appends, m.AppendSeconds, m.VerifyFailures, m.Entries, m.Bytes)
	}
	return m
}

// Wire holds the metrics emitted by a single wire.Conn.
type Wire struct {
	FramesSent     *prometheus.CounterVec
	FramesRecv     *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesRecv      prometheus.Counter
	ActiveConns    prometheus.Gauge
	ProtocolErrors prometheus.Counter
}

// NewWire constructs Wire metrics, registering them with reg if non-nil.
func NewWire(reg prometheus.Registerer) *Wire {
	m := &Wire{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geniza_wire_frames_sent_total",
			Help: "Frames sent, by message type.",
		}, []string{"type"}),
		FramesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geniza_wire_frames_received_total",
			Help: "Frames received, by message type.",
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_wire_bytes_sent_total",
			Help: "Frame payload bytes sent to peers, excluding frame headers.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_wire_bytes_received_total",
			Help: "Frame payload bytes received from peers, excluding frame headers.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geniza_wire_active_connections",
			Help: "Number of connections currently in the OPEN state.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_wire_protocol_errors_total",
			Help: "Connections closed due to a fatal protocol condition.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesSent, m.FramesRecv, m.BytesSent, m.BytesRecv, m.ActiveConns, m.ProtocolErrors)
	}
	return m
}

// Sync holds the metrics emitted by package sync's per-peer
// synchronizer (SPEC_FULL.md §C.3).
type Sync struct {
	PeersConnected   prometheus.Gauge
	RequestsSent     prometheus.Counter
	RequestsInFlight prometheus.Gauge
	DataReceived     prometheus.Counter
	VerifyFailures   prometheus.Counter
}

// NewSync constructs Sync metrics, registering them with reg if
// non-nil.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geniza_sync_peers_connected",
			Help: "Number of peers currently attached to the synchronizer.",
		}),
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_sync_requests_sent_total",
			Help: "Request messages sent to peers.",
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geniza_sync_requests_in_flight",
			Help: "Requests sent but not yet answered by a Data or Cancel.",
		}),
		DataReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_sync_data_received_total",
			Help: "Data messages received and applied to a local register.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geniza_sync_verify_failures_total",
			Help: "Data messages that failed proof verification.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PeersConnected, m.RequestsSent, m.RequestsInFlight, m.DataReceived, m.VerifyFailures)
	}
	return m
}
