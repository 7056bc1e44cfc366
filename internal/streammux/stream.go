// Package streammux implements WRAITH's multiplexed stream layer: one
// session carries many independent byte streams, each with its own
// half-close state, QoS class, and flow-control credit window.
//
// The opening/half-close/reset state machine carries its own
// STREAM_OPEN_ACK pending-request bookkeeping, a wire-sized 16-bit
// stream ID (matching wireframe.InnerFrame's stream_id field), a QoS
// class per stream, and a credit-based flow-control window.
package streammux

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// QoSClass orders streams for scheduling when a session's send budget is
// contended.
type QoSClass uint8

const (
	// QoSInteractive is serviced first: terminal/shell-like traffic,
	// latency-sensitive.
	QoSInteractive QoSClass = iota
	// QoSBulk is serviced after all interactive streams are starved for
	// data: file transfer and similar throughput-sensitive traffic.
	QoSBulk
	// QoSBackground is serviced only when nothing else is ready:
	// telemetry, prefetch, and other traffic with no deadline.
	QoSBackground

	numQoSClasses = 3
)

// String renders a QoS class name for logging.
func (q QoSClass) String() string {
	switch q {
	case QoSInteractive:
		return "interactive"
	case QoSBulk:
		return "bulk"
	case QoSBackground:
		return "background"
	default:
		return "unknown"
	}
}

// State tracks a stream's half-close lifecycle.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultInitialWindow is the flow-control credit a stream starts with,
// in bytes, before any MAX_DATA frame extends it.
const DefaultInitialWindow = 256 * 1024

// Stream is one multiplexed byte stream within a session.
type Stream struct {
	ID    uint16
	QoS   QoSClass
	state atomic.Int32

	mu          sync.Mutex
	readBuffer  chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	remoteFinCh chan struct{}

	localFinWrite  bool
	remoteFinWrite bool

	// sendWindow is this side's remaining permission to send, consumed by
	// ReserveSendCredit and replenished by GrantSendCredit when the peer's
	// MAX_DATA frame arrives.
	sendWindow int64
	// recvWindow tracks how much the local side has granted the peer;
	// PushData returns the next MAX_DATA increment once consumed data
	// crosses half the window, the same low-water mark QUIC and HTTP/2
	// flow control use.
	recvWindow     int64
	recvConsumed   int64
	recvGranted    int64

	CreatedAt time.Time
	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64

	onReset func(*Stream, uint16)
}

// NewStream creates a stream in the OPENING state with the given QoS
// class and initial flow-control window.
func NewStream(id uint16, qos QoSClass, initialWindow int64) *Stream {
	s := &Stream{
		ID:           id,
		QoS:          qos,
		readBuffer:   make(chan []byte, 64),
		closed:       make(chan struct{}),
		remoteFinCh:  make(chan struct{}),
		sendWindow:   initialWindow,
		recvWindow:   initialWindow,
		recvGranted:  initialWindow,
		CreatedAt:    time.Now(),
	}
	s.state.Store(int32(StateOpening))
	return s
}

func (s *Stream) State() State          { return State(s.state.Load()) }
func (s *Stream) SetState(state State)  { s.state.Store(int32(state)) }
func (s *Stream) Open()                 { s.SetState(StateOpen) }

func (s *Stream) IsOpen() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

func (s *Stream) CanWrite() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

func (s *Stream) CanRead() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal:
		return true
	default:
		return false
	}
}

// CloseWrite half-closes the send side.
func (s *Stream) CloseWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localFinWrite {
		return
	}
	s.localFinWrite = true
	switch s.State() {
	case StateOpen:
		s.SetState(StateHalfClosedLocal)
	case StateHalfClosedRemote:
		s.SetState(StateClosed)
	}
}

// HandleRemoteFinWrite processes the peer's half-close.
func (s *Stream) HandleRemoteFinWrite() {
	s.mu.Lock()
	if s.remoteFinWrite {
		s.mu.Unlock()
		return
	}
	s.remoteFinWrite = true
	s.mu.Unlock()
	close(s.remoteFinCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateOpen:
		s.SetState(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		s.SetState(StateClosed)
	}
}

// ReserveSendCredit consumes n bytes of send window, returning false if
// insufficient credit is available (the caller must wait for a MAX_DATA
// frame before writing).
func (s *Stream) ReserveSendCredit(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendWindow < n {
		return false
	}
	s.sendWindow -= n
	return true
}

// GrantSendCredit applies a MAX_DATA update from the peer.
func (s *Stream) GrantSendCredit(additional int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow += additional
}

// PushData buffers received data and returns the MAX_DATA increment to
// grant (0 if none is due yet).
func (s *Stream) PushData(data []byte) (grant int64, err error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	select {
	case s.readBuffer <- data:
		s.BytesRecv.Add(uint64(len(data)))
	case <-s.closed:
		return 0, io.EOF
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvConsumed += int64(len(data))
	// Grant more window once half of what was already granted has been
	// consumed, the same low-water mark as QUIC/HTTP2 flow control.
	if s.recvGranted-s.recvConsumed < s.recvWindow/2 {
		grant = s.recvWindow
		s.recvGranted += s.recvWindow
	}
	return grant, nil
}

// Read returns the next buffered chunk, or io.EOF once the stream and
// read buffer are both drained.
func (s *Stream) Read() ([]byte, error) {
	select {
	case data := <-s.readBuffer:
		return data, nil
	default:
	}
	select {
	case <-s.closed:
		select {
		case data := <-s.readBuffer:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-s.remoteFinCh:
		select {
		case data := <-s.readBuffer:
			return data, nil
		default:
			return nil, io.EOF
		}
	case data := <-s.readBuffer:
		return data, nil
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.SetState(StateClosed)
		close(s.closed)
	})
	return nil
}

func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) Done() <-chan struct{} { return s.closed }

func (s *Stream) SetOnReset(f func(*Stream, uint16)) { s.onReset = f }

func (s *Stream) String() string {
	return fmt.Sprintf("Stream{id=%d, qos=%s, state=%s}", s.ID, s.QoS, s.State())
}
