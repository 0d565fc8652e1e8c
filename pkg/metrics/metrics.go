// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the multiplexor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Directions for relayed byte counters.
const (
	DirectionClientToBackend = "client_to_backend"
	DirectionBackendToClient = "backend_to_client"
)

// Metrics holds all Prometheus metrics for the multiplexor.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Handshake metrics
	HandshakeDuration prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec

	// Backend metrics
	DialsTotal   *prometheus.CounterVec
	DialDuration *prometheus.HistogramVec

	// Relay metrics
	BytesRelayed *prometheus.CounterVec

	// Management metrics
	MgmtRequestsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered against reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "snimux"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently live sessions",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of accepted sessions",
			},
			[]string{"status"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Time to read the SNI from the client hello in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		HandshakeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_errors_total",
				Help:      "Total number of failed SNI detections",
			},
			[]string{"reason"},
		),
		DialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dials_total",
				Help:      "Total number of backend dial attempts",
			},
			[]string{"backend", "status"},
		),
		DialDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total bytes relayed between clients and backends",
			},
			[]string{"direction"},
		),
		MgmtRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mgmt_requests_total",
				Help:      "Total number of management protocol requests",
			},
			[]string{"command", "status"},
		),
	}
}

// ObserveSession tracks a session lifecycle.
func (m *Metrics) ObserveSession(f func() error) error {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}

// ObserveDial tracks one backend dial attempt.
func (m *Metrics) ObserveDial(backend string, f func() error) error {
	start := time.Now()
	err := f()
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.DialsTotal.WithLabelValues(backend, status).Inc()
	m.DialDuration.WithLabelValues(backend).Observe(duration)

	return err
}

// AddRelayedBytes accounts bytes moved in one direction.
func (m *Metrics) AddRelayedBytes(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}
