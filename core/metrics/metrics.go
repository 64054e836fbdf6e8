// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes the Prometheus counters this module maintains
// for packet, drop, retransmit, and heartbeat events, operationalizing the
// "packet counter incremented" / "CMA logs and records node-down event"
// language from spec.md §7.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector groups the counters a NetIO/FsProtocol/heartbeat instance
// updates. Dropped and HeartbeatEvents are labeled counter vectors; the
// other fields are plain counters. Callers register one Collector per
// process and pass it down to every component.
type Collector struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	Dropped         *prometheus.CounterVec
	Retransmits     prometheus.Counter
	QueueFull       prometheus.Counter
	HeartbeatEvents *prometheus.CounterVec
}

// DropReason labels the Dropped counter vector.
type DropReason string

const (
	DropMalformed          DropReason = "malformed"
	DropBadSignature       DropReason = "bad_signature"
	DropBadAuthentication  DropReason = "bad_authentication"
	DropUnknownKey         DropReason = "unknown_key"
	DropBadKey             DropReason = "bad_key"
	DropSessionRegression  DropReason = "session_regression"
	DropNoSignatureLeading DropReason = "missing_leading_signature"
)

// HeartbeatEvent labels the HeartbeatEvents counter vector.
type HeartbeatEvent string

const (
	HBDead     HeartbeatEvent = "dead"
	HBWarn     HeartbeatEvent = "warn"
	HBRevived  HeartbeatEvent = "revived"
	HBMartian  HeartbeatEvent = "martian"
	HBReceived HeartbeatEvent = "received"
)

// New creates a Collector and registers it with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func New(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "UDP datagrams transmitted by NetIO.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "UDP datagrams received by NetIO.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framesets_dropped_total",
			Help:      "FrameSets dropped during decode or protocol processing, by reason.",
		}, []string{"reason"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "FrameSets retransmitted by FsProtocol.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_full_total",
			Help:      "Send attempts rejected because an FsQueue was full.",
		}),
		HeartbeatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_events_total",
			Help:      "Heartbeat state-machine transitions, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.PacketsSent, c.PacketsReceived, c.Dropped, c.Retransmits, c.QueueFull, c.HeartbeatEvents)
	return c
}

// IncDropped bumps the Dropped counter for reason.
func (c *Collector) IncDropped(reason DropReason) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(string(reason)).Inc()
}

// IncHeartbeat bumps the HeartbeatEvents counter for ev.
func (c *Collector) IncHeartbeat(ev HeartbeatEvent) {
	if c == nil {
		return
	}
	c.HeartbeatEvents.WithLabelValues(string(ev)).Inc()
}
