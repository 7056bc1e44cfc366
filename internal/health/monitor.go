// Package health tracks process-wide memory and session-count pressure
// so the node can refuse new work before it runs out of either, rather
// than failing mid-handshake or getting killed by the OS.
package health

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Status classifies current resource pressure.
type Status int

const (
	// StatusOK admits new sessions normally.
	StatusOK Status = iota
	// StatusRefusing means new sessions should be rejected; existing
	// sessions are left alone.
	StatusRefusing
	// StatusShedding means the monitor has crossed the eviction
	// threshold: the caller should close least-recently-used idle
	// sessions until pressure drops.
	StatusShedding
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRefusing:
		return "refusing"
	case StatusShedding:
		return "shedding"
	default:
		return "unknown"
	}
}

// Limits bounds the resources a Monitor watches.
type Limits struct {
	MaxSessions   int
	MaxMemoryBytes uint64
}

// RefuseThreshold is the fraction of a limit at which new sessions are
// refused.
const RefuseThreshold = 0.75

// ShedThreshold is the fraction of a limit at which idle sessions start
// being evicted.
const ShedThreshold = 0.90

// MemSampler reports current process memory usage. Swappable in tests;
// production callers use ReadRuntimeMemStats.
type MemSampler func() uint64

// ReadRuntimeMemStats reports heap bytes in use via runtime.MemStats.
func ReadRuntimeMemStats() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Monitor tracks live session count and sampled memory usage against
// configured limits. Safe for concurrent use.
type Monitor struct {
	limits  Limits
	sample  MemSampler
	mu      sync.Mutex
	sessions int64
}

// NewMonitor creates a Monitor with the given limits. A nil sampler
// defaults to ReadRuntimeMemStats.
func NewMonitor(limits Limits, sampler MemSampler) *Monitor {
	if sampler == nil {
		sampler = ReadRuntimeMemStats
	}
	return &Monitor{limits: limits, sample: sampler}
}

// SessionOpened records a newly established session.
func (m *Monitor) SessionOpened() {
	atomic.AddInt64(&m.sessions, 1)
}

// SessionClosed records a session's teardown.
func (m *Monitor) SessionClosed() {
	atomic.AddInt64(&m.sessions, -1)
}

// SessionCount returns the current number of live sessions.
func (m *Monitor) SessionCount() int {
	return int(atomic.LoadInt64(&m.sessions))
}

// Check samples current pressure and reports the resulting Status: the
// worse of the session-count and memory readings against their
// respective thresholds.
func (m *Monitor) Check() Status {
	sessionStatus := statusFor(float64(m.SessionCount()), float64(m.limits.MaxSessions))

	memStatus := StatusOK
	if m.limits.MaxMemoryBytes > 0 {
		memStatus = statusFor(float64(m.sample()), float64(m.limits.MaxMemoryBytes))
	}

	if sessionStatus == StatusShedding || memStatus == StatusShedding {
		return StatusShedding
	}
	if sessionStatus == StatusRefusing || memStatus == StatusRefusing {
		return StatusRefusing
	}
	return StatusOK
}

// AdmitSession reports whether a new session may be opened given
// current pressure.
func (m *Monitor) AdmitSession() bool {
	return m.Check() == StatusOK
}

func statusFor(used, limit float64) Status {
	if limit <= 0 {
		return StatusOK
	}
	ratio := used / limit
	switch {
	case ratio >= ShedThreshold:
		return StatusShedding
	case ratio >= RefuseThreshold:
		return StatusRefusing
	default:
		return StatusOK
	}
}
