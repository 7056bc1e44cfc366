package streammux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ManagerConfig bounds a session's stream table.
type ManagerConfig struct {
	MaxStreams    int
	InitialWindow int64
	OpenTimeout   time.Duration
}

// DefaultManagerConfig returns reasonable defaults for a session's stream
// table, scaled to a 16-bit stream ID space.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxStreams:    65535,
		InitialWindow: DefaultInitialWindow,
		OpenTimeout:   10 * time.Second,
	}
}

// OpenResult is delivered once a STREAM_OPEN request resolves.
type OpenResult struct {
	Stream *Stream
	Err    error
}

type pendingOpen struct {
	stream *Stream
	timer  *time.Timer
	result chan<- *OpenResult
}

// Manager owns the stream table for one session: allocation, QoS-ordered
// scheduling, and the STREAM_OPEN/STREAM_OPEN_ACK/STREAM_RESET lifecycle.
type Manager struct {
	cfg      ManagerConfig
	isDialer bool

	mu       sync.RWMutex
	streams  map[uint16]*Stream
	pending  map[uint16]*pendingOpen
	nextID   atomic.Uint32

	// ready holds, per QoS class, the IDs of streams with outbound data
	// queued and send credit available. NextReady drains QoSInteractive
	// before QoSBulk before QoSBackground in strict priority order.
	readyMu sync.Mutex
	ready   [numQoSClasses][]uint16

	onStreamOpen  func(*Stream)
	onStreamClose func(*Stream, error)
}

// NewManager creates a stream manager. isDialer selects the parity of
// locally-allocated stream IDs (odd for the handshake initiator, even for
// the responder), avoiding collisions without coordination.
func NewManager(cfg ManagerConfig, isDialer bool) *Manager {
	m := &Manager{
		cfg:      cfg,
		isDialer: isDialer,
		streams:  make(map[uint16]*Stream),
		pending:  make(map[uint16]*pendingOpen),
	}
	if isDialer {
		m.nextID.Store(1)
	} else {
		m.nextID.Store(2)
	}
	return m
}

// SetCallbacks installs open/close notification hooks.
func (m *Manager) SetCallbacks(onOpen func(*Stream), onClose func(*Stream, error)) {
	m.onStreamOpen = onOpen
	m.onStreamClose = onClose
}

func (m *Manager) nextStreamID() uint16 {
	return uint16(m.nextID.Add(2) - 2)
}

// OpenStream allocates a locally-initiated stream and returns it
// immediately in the OPENING state; the caller is responsible for sending
// the STREAM_OPEN frame and later calling HandleOpenAck once the peer
// acknowledges it.
func (m *Manager) OpenStream(qos QoSClass) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= m.cfg.MaxStreams {
		return nil, fmt.Errorf("streammux: max streams limit reached")
	}
	id := m.nextStreamID()
	s := NewStream(id, qos, m.cfg.InitialWindow)
	m.streams[id] = s
	return s, nil
}

// HandleOpenAck transitions a locally-opened stream to OPEN once the
// peer's STREAM_OPEN_ACK arrives.
func (m *Manager) HandleOpenAck(id uint16) (*Stream, error) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("streammux: no stream %d", id)
	}
	s.Open()
	if m.onStreamOpen != nil {
		m.onStreamOpen(s)
	}
	return s, nil
}

// AcceptStream registers a peer-initiated stream arriving via STREAM_OPEN.
func (m *Manager) AcceptStream(id uint16, qos QoSClass) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= m.cfg.MaxStreams {
		return nil, fmt.Errorf("streammux: max streams limit reached")
	}
	if _, exists := m.streams[id]; exists {
		return nil, fmt.Errorf("streammux: stream %d already open", id)
	}
	s := NewStream(id, qos, m.cfg.InitialWindow)
	s.Open()
	m.streams[id] = s
	if m.onStreamOpen != nil {
		m.onStreamOpen(s)
	}
	return s, nil
}

// GetStream looks up a stream by ID.
func (m *Manager) GetStream(id uint16) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[id]
}

// RemoveStream closes and forgets a stream.
func (m *Manager) RemoveStream(id uint16) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
		if m.onStreamClose != nil {
			m.onStreamClose(s, nil)
		}
	}
}

// HandleReset processes a peer STREAM_RESET.
func (m *Manager) HandleReset(id uint16, errorCode uint16) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	if s.onReset != nil {
		s.onReset(s, errorCode)
	}
	if m.onStreamClose != nil {
		m.onStreamClose(s, fmt.Errorf("streammux: reset code=%d", errorCode))
	}
}

// MarkReady enqueues a stream with data to send, to be picked up by the
// session's send loop via NextReady.
func (m *Manager) MarkReady(id uint16, qos QoSClass) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	for _, existing := range m.ready[qos] {
		if existing == id {
			return
		}
	}
	m.ready[qos] = append(m.ready[qos], id)
}

// NextReady pops the next stream ID to service, draining strictly by QoS
// priority: all QoSInteractive streams before any QoSBulk stream, all
// QoSBulk before any QoSBackground. Returns false if nothing is ready.
func (m *Manager) NextReady() (uint16, bool) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	for class := QoSClass(0); class < numQoSClasses; class++ {
		if len(m.ready[class]) > 0 {
			id := m.ready[class][0]
			m.ready[class] = m.ready[class][1:]
			return id, true
		}
	}
	return 0, false
}

// StreamCount returns the number of active streams.
func (m *Manager) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Close tears down every stream the manager holds.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, s := range m.streams {
		s.Close()
		delete(m.streams, id)
	}
	m.mu.Unlock()
}
