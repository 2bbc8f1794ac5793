// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the journal service.
//
// # Description
//
// Metrics cover the three background-heavy parts of the service:
//   - Archival: runs by outcome, stage results, duration, queue depth
//   - OTP: challenges issued and verification results
//   - Chat: streams by endpoint and status, chunks, duration, disconnects
//
// plus history item fetches and TTL sweeps.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe on a nil *Metrics, so components built
// without metrics (tests, the CLI) need no special casing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "journal"

// Metrics holds all Prometheus collectors of the service.
//
// # Fields
//
//   - ArchivalRunsTotal: Runs by outcome (committed, degraded, aborted, duplicate, ineligible, error)
//   - ArchivalStagesTotal: Stage results (stage: summarize, classify, store, notarize; result: success, failed, skipped)
//   - ArchivalDurationSeconds: Run duration by outcome
//   - ArchivalQueueDepth: Sessions waiting for a worker
//   - OTPIssuedTotal: Challenges issued by delivery result
//   - OTPVerificationsTotal: Verifications by result (success, rejected)
//   - ChatStreamsTotal: Chat streams by endpoint and status
//   - ChatChunksTotal: Chunks forwarded by endpoint
//   - StreamDurationSeconds: Stream duration by endpoint and status
//   - ActiveStreams: Open streams by endpoint
//   - ClientDisconnectsTotal: Streams abandoned by the client
//   - HistoryItemsTotal: Content-store fetches during history listing by result
//   - SweptTotal: Records removed by the TTL sweeper
type Metrics struct {
	ArchivalRunsTotal       *prometheus.CounterVec
	ArchivalStagesTotal     *prometheus.CounterVec
	ArchivalDurationSeconds *prometheus.HistogramVec
	ArchivalQueueDepth      prometheus.Gauge

	OTPIssuedTotal        *prometheus.CounterVec
	OTPVerificationsTotal *prometheus.CounterVec

	ChatStreamsTotal       *prometheus.CounterVec
	ChatChunksTotal        *prometheus.CounterVec
	StreamDurationSeconds  *prometheus.HistogramVec
	ActiveStreams          *prometheus.GaugeVec
	ClientDisconnectsTotal *prometheus.CounterVec

	HistoryItemsTotal *prometheus.CounterVec
	SweptTotal        *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers metrics on the default Prometheus registry and
// stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates metrics registered on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ArchivalRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "archival",
				Name:      "runs_total",
				Help:      "Archival runs by outcome",
			},
			[]string{"outcome"},
		),
		ArchivalStagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "archival",
				Name:      "stages_total",
				Help:      "Archival stage results",
			},
			[]string{"stage", "result"},
		),
		ArchivalDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "archival",
				Name:      "duration_seconds",
				Help:      "Archival run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		ArchivalQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "archival",
				Name:      "queue_depth",
				Help:      "Sessions waiting for an archival worker",
			},
		),
		OTPIssuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "otp",
				Name:      "issued_total",
				Help:      "OTP challenges issued by delivery result",
			},
			[]string{"delivered"},
		),
		OTPVerificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "otp",
				Name:      "verifications_total",
				Help:      "OTP verifications by result",
			},
			[]string{"result"},
		),
		ChatStreamsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "streams_total",
				Help:      "Chat streams by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ChatChunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "chunks_total",
				Help:      "Reply chunks forwarded to clients",
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint", "status"},
		),
		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "active_streams",
				Help:      "Number of currently open chat streams",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "client_disconnects_total",
				Help:      "Chat streams abandoned by the client",
			},
			[]string{"endpoint"},
		),
		HistoryItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "history",
				Name:      "items_total",
				Help:      "History item fetches by result",
			},
			[]string{"result"},
		),
		SweptTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ttl",
				Name:      "swept_total",
				Help:      "Expired records removed by sweeper",
			},
			[]string{"sweeper"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Endpoint labels a chat transport.
type Endpoint string

const (
	EndpointSSE       Endpoint = "sse"
	EndpointWebSocket Endpoint = "websocket"
)

// StageResult labels the result of one archival stage.
type StageResult string

const (
	StageSuccess StageResult = "success"
	StageFailed  StageResult = "failed"
	StageSkipped StageResult = "skipped"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordArchival records a finished archival run.
func (m *Metrics) RecordArchival(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ArchivalRunsTotal.WithLabelValues(outcome).Inc()
	m.ArchivalDurationSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordStage records one archival stage result.
func (m *Metrics) RecordStage(stage string, result StageResult) {
	if m == nil {
		return
	}
	m.ArchivalStagesTotal.WithLabelValues(stage, string(result)).Inc()
}

// SetQueueDepth reports the archival queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ArchivalQueueDepth.Set(float64(n))
}

// RecordOTPIssued records an issued challenge.
func (m *Metrics) RecordOTPIssued(delivered bool) {
	if m == nil {
		return
	}
	m.OTPIssuedTotal.WithLabelValues(boolLabel(delivered)).Inc()
}

// RecordOTPVerification records a verification attempt.
func (m *Metrics) RecordOTPVerification(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "rejected"
	}
	m.OTPVerificationsTotal.WithLabelValues(result).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge and records the stream.
func (m *Metrics) StreamEnded(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
	m.ChatStreamsTotal.WithLabelValues(string(endpoint), status).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordChunk counts one forwarded chunk.
func (m *Metrics) RecordChunk(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ChatChunksTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts an abandoned stream.
func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordHistoryItem records one content-store fetch.
func (m *Metrics) RecordHistoryItem(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.HistoryItemsTotal.WithLabelValues(result).Inc()
}

// RecordSwept adds n removed records for sweeper.
func (m *Metrics) RecordSwept(sweeper string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptTotal.WithLabelValues(sweeper).Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
