package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil || m.StreamsActive == nil || m.FramesSent == nil {
		t.Fatal("expected collectors to be non-nil")
	}
}

func TestSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("0")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Fatalf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionCloses.WithLabelValues("0")); got != 1 {
		t.Fatalf("SessionCloses[0] = %v, want 1", got)
	}
}

func TestStreamLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.StreamOpened(0.05)
	m.StreamClosed()

	if got := testutil.ToFloat64(m.StreamsActive); got != 0 {
		t.Fatalf("StreamsActive = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StreamsOpened); got != 1 {
		t.Fatalf("StreamsOpened = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamsClosed); got != 1 {
		t.Fatalf("StreamsClosed = %v, want 1", got)
	}
}

func TestFrameCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.FrameSent("STREAM_DATA", 100)
	m.FrameReceived("ACK", 0)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("STREAM_DATA")); got != 1 {
		t.Fatalf("FramesSent[STREAM_DATA] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 100 {
		t.Fatalf("BytesSent = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("ACK")); got != 1 {
		t.Fatalf("FramesReceived[ACK] = %v, want 1", got)
	}
}

func TestRekeyRetransmitMigrationCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RekeyCompleted()
	m.Retransmit()
	m.MigrationCompleted()
	m.MigrationFailed()

	if got := testutil.ToFloat64(m.RekeysCompleted); got != 1 {
		t.Fatalf("RekeysCompleted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RetransmitsTotal); got != 1 {
		t.Fatalf("RetransmitsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MigrationsTotal); got != 1 {
		t.Fatalf("MigrationsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MigrationFailures); got != 1 {
		t.Fatalf("MigrationFailures = %v, want 1", got)
	}
}
