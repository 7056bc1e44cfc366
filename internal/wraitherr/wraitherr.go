// Package wraitherr defines the sentinel errors surfaced across WRAITH
// session handling, and the timing-normalization helper used on every
// error path an observer could otherwise use as an oracle.
package wraitherr

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ProtocolError is the single generic error surfaced to a peer or CLI
// collaborator regardless of root cause: internal detail is logged
// locally, never exposed on the wire or in user-facing output.
var ProtocolError = errors.New("wraith: protocol error")

// Sentinel errors for internal classification and logging. Each maps to
// one of the error kinds below; callers match these with errors.Is
// and then fold the result into ProtocolError before it reaches a peer.
var (
	// ErrSilent marks a packet that fails probing resistance or replay
	// checks: dropped with no response, counted in metrics only.
	ErrSilent = errors.New("wraith: silent drop")

	// ErrSessionLocal marks a single packet's decryption failure: dropped
	// and counted, contributing to the session's fatal-rate threshold.
	ErrSessionLocal = errors.New("wraith: session-local decrypt failure")

	// ErrSessionFatal marks a failure that tears down the whole session:
	// post-acceptance handshake failure, unknown fatal-range frame type,
	// nonce exhaustion without a completed rekey.
	ErrSessionFatal = errors.New("wraith: session-fatal error")

	// ErrTransportTransient marks a single transport path failing,
	// triggering a migration attempt rather than tearing down the session.
	ErrTransportTransient = errors.New("wraith: transport-transient error")

	// ErrResourceExhausted marks a new connection rejected for hitting a
	// per-IP or memory limit: rejected silently, indistinguishable on the
	// wire from an unreachable peer.
	ErrResourceExhausted = errors.New("wraith: resource exhausted")

	// ErrInvalidPeer names a responder whose proven static identity does
	// not match the key the caller dialed. No code path returns it:
	// Node.Connect reports handshake failures as wrapped errors without
	// this sentinel.
	ErrInvalidPeer = errors.New("wraith: peer identity mismatch")

	// ErrTimeout is returned by Session.OpenStream and Session.Send when
	// ctx ends before the operation completes. Node.Connect reports a
	// handshake timeout as a wrapped context error instead, and Migrate
	// reports one as ErrPeerUnreachable.
	ErrTimeout = errors.New("wraith: operation timed out")

	// ErrTransportUnavailable names a local transport that cannot be
	// established (bind failure, carrier dial failure). No code path
	// returns it: Node.Connect reports those failures as wrapped errors
	// without this sentinel.
	ErrTransportUnavailable = errors.New("wraith: transport unavailable")

	// ErrSessionClosedByPeer is returned from Recv/Send once a CLOSE frame
	// from the peer has torn the session down locally.
	ErrSessionClosedByPeer = errors.New("wraith: session closed by peer")

	// ErrPeerUnreachable is returned by Migrate when a candidate path never
	// answers its PATH_CHALLENGE before the migration timeout.
	ErrPeerUnreachable = errors.New("wraith: peer unreachable on candidate path")
)

// NormalizeTiming blocks for a uniformly random delay in [1ms, 10ms), so
// an observer timing an error response can't distinguish a decryption
// failure from a replay rejection from malformed framing. Call this on
// every error-returning path that touches peer-supplied bytes before the
// error is returned.
func NormalizeTiming() {
	time.Sleep(randomDelay())
}

func randomDelay() time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 5 * time.Millisecond
	}
	u := binary.BigEndian.Uint64(buf[:])
	frac := float64(u) / (1 << 64)
	return time.Millisecond + time.Duration(frac*float64(9*time.Millisecond))
}

// SessionLocalThreshold is the count of session-local failures within
// SessionLocalWindow that triggers a session close.
const SessionLocalThreshold = 100

// SessionLocalWindow is the sliding window SessionLocalThreshold is
// measured over.
const SessionLocalWindow = 10 * time.Second

// FailureCounter tracks session-local failures within a sliding window
// and reports when the session-fatal threshold is crossed.
type FailureCounter struct {
	timestamps []time.Time
}

// Record adds a failure at now and reports whether the session should
// be closed as a result.
func (f *FailureCounter) Record(now time.Time) bool {
	cutoff := now.Add(-SessionLocalWindow)
	kept := f.timestamps[:0]
	for _, ts := range f.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	f.timestamps = kept
	return len(f.timestamps) >= SessionLocalThreshold
}

// Count reports the number of failures currently within the window as
// of now.
func (f *FailureCounter) Count(now time.Time) int {
	cutoff := now.Add(-SessionLocalWindow)
	n := 0
	for _, ts := range f.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
