// Package ratelimit implements a per-IP sliding-window attempt table,
// the process-wide defense against handshake-flood and probing-scan
// abuse.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Table tracks attempt timestamps per source IP within a sliding window,
// rejecting once a caller-supplied limit is exceeded. It holds no
// long-lived per-IP goroutines; stale entries are swept lazily on each
// Allow call for that key, keeping the table itself self-cleaning.
type Table struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries map[string][]time.Time
}

// NewTable creates a Table admitting at most limit attempts per IP
// within window.
func NewTable(limit int, window time.Duration) *Table {
	return &Table{
		window:  window,
		limit:   limit,
		entries: make(map[string][]time.Time),
	}
}

// Allow records an attempt from addr at now and reports whether it is
// within the configured limit. addr's port, if any, is stripped: the
// table keys on IP alone so a peer can't dodge the limit by varying its
// source port.
func (t *Table) Allow(addr net.Addr, now time.Time) bool {
	key := hostOf(addr)
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := t.entries[key][:0]
	for _, ts := range t.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= t.limit {
		t.entries[key] = kept
		return false
	}
	t.entries[key] = append(kept, now)
	return true
}

// Forget removes all recorded attempts for addr, used after a
// successful handshake so a legitimate peer's prior failed attempts
// don't linger against future limit checks.
func (t *Table) Forget(addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, hostOf(addr))
}

// Size reports the number of distinct IPs currently tracked.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
