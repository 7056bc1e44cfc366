// Package metrics provides Prometheus metrics for a WRAITH node: session
// lifecycle, stream lifecycle, frame and byte throughput, and the
// handshake/rekey/migration state machines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wraith"

// Metrics holds every Prometheus collector a node reports.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionCloses  *prometheus.CounterVec

	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram

	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	RekeysCompleted   prometheus.Counter
	RetransmitsTotal  prometheus.Counter
	MigrationsTotal   prometheus.Counter
	MigrationFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// letting tests use an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total session closes by close code",
		}, []string{"code"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Latency between STREAM_OPEN and its acknowledgment",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total application bytes sent across all streams",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total application bytes received across all streams",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total inner frames sent by frame type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inner frames received by frame type",
		}, []string{"frame_type"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake completion latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),

		RekeysCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_completed_total",
			Help:      "Total DH ratchet re-keys completed",
		}),
		RetransmitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total STREAM_DATA frames retransmitted after RTO expiry",
		}),
		MigrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total connection migrations completed",
		}),
		MigrationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_failures_total",
			Help:      "Total connection migrations that timed out or were aborted",
		}),
	}
}

// SessionOpened records a newly established session.
func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed records a session tearing down under the given close code.
func (m *Metrics) SessionClosed(code string) {
	m.SessionsActive.Dec()
	m.SessionCloses.WithLabelValues(code).Inc()
}

// StreamOpened records a stream entering the open state, with the latency
// between STREAM_OPEN and its acknowledgment for locally-initiated streams
// (0 for peer-initiated streams, which have no such round trip to measure).
func (m *Metrics) StreamOpened(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	if latencySeconds > 0 {
		m.StreamOpenLatency.Observe(latencySeconds)
	}
}

// StreamClosed records a stream leaving the open state.
func (m *Metrics) StreamClosed() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// FrameSent records one outbound inner frame.
func (m *Metrics) FrameSent(frameType string, bodyLen int) {
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(bodyLen))
}

// FrameReceived records one inbound inner frame.
func (m *Metrics) FrameReceived(frameType string, bodyLen int) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(bodyLen))
}

// Handshake records a completed or failed handshake.
func (m *Metrics) Handshake(latencySeconds float64) { m.HandshakeLatency.Observe(latencySeconds) }

// HandshakeError records a handshake failure by reason.
func (m *Metrics) HandshakeError(reason string) { m.HandshakeErrors.WithLabelValues(reason).Inc() }

// RekeyCompleted records a completed DH ratchet re-key.
func (m *Metrics) RekeyCompleted() { m.RekeysCompleted.Inc() }

// Retransmit records one RTO-triggered STREAM_DATA retransmission.
func (m *Metrics) Retransmit() { m.RetransmitsTotal.Inc() }

// MigrationCompleted records a successful connection migration.
func (m *Metrics) MigrationCompleted() { m.MigrationsTotal.Inc() }

// MigrationFailed records a migration that timed out or was aborted.
func (m *Metrics) MigrationFailed() { m.MigrationFailures.Inc() }
