// Copyright 2024-2026 Aiku AI

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session's Prometheus collectors.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	IgnoredEvents    prometheus.Counter
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Inbound realtime messages by type.",
		}, []string{"type"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions by target state.",
		}, []string{"state"}),
		IgnoredEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "session",
			Name:      "stale_events_total",
			Help:      "Transport events dropped because they belong to a superseded connection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesReceived, m.StateTransitions, m.IgnoredEvents)
	}
	return m
}
