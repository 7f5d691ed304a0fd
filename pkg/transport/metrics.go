// Copyright 2024-2026 Aiku AI

package transport

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// Metrics holds the transport's Prometheus collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	Fallbacks       prometheus.Counter
	DecodeErrors    prometheus.Counter
}

// NewMetrics creates the transport collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests by phase and result.",
		}, []string{"phase", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "channelstream",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Outbound HTTP request latency by phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Retried connects, websocket dials and long-polls.",
		}, []string{"what"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "transport",
			Name:      "long_poll_fallbacks_total",
			Help:      "Connections that fell back from websocket to long-polling.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "channelstream",
			Subsystem: "transport",
			Name:      "decode_errors_total",
			Help:      "Inbound batches that were not a JSON array.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RequestDuration, m.Retries, m.Fallbacks, m.DecodeErrors)
	}
	return m
}

func (m *Metrics) observe(phase protocol.Phase, start time.Time, err error) {
	m.RequestDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	m.Requests.WithLabelValues(string(phase), result(err)).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	return "error"
}
