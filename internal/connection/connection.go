// Package connection ties the handshake, ratchet, wire framing, stream
// multiplexer, and congestion controller together into one WRAITH
// connection: it owns the session lifecycle state machine, the active
// connection ID, and the current network path.
//
// State is tracked atomically alongside activity/RTT tracking and
// ready/closed signaling channels, through an INIT→HANDSHAKING→
// ESTABLISHED→(REKEYING|MIGRATING|RESUMING)→ESTABLISHED→DRAINING→CLOSED
// lifecycle.
package connection

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wraith-project/wraith/internal/congestion"
	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/ratchet"
	"github.com/wraith-project/wraith/internal/streammux"
	"github.com/wraith-project/wraith/internal/transport"
	"github.com/wraith-project/wraith/internal/wireframe"
)

// State is a WRAITH connection's lifecycle phase.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateRekeying
	StateMigrating
	StateResuming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRekeying:
		return "REKEYING"
	case StateMigrating:
		return "MIGRATING"
	case StateResuming:
		return "RESUMING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CID is a 16-byte connection identifier.
type CID [16]byte

// Connection is one WRAITH peer connection: its cryptographic session,
// stream table, congestion controller, wire layout, and current network
// path, gated by the lifecycle state machine above.
type Connection struct {
	LocalID  identity.AgentID
	RemoteID identity.AgentID

	state atomic.Int32

	activeCID   CID
	previousCID CID
	layout      wireframe.Layout
	formatSeed  []byte

	session   *ratchet.Session
	streams   *streammux.Manager
	congest   *congestion.Controller
	transport transport.PacketTransport

	mu          sync.RWMutex
	currentPath net.Addr
	migration   *migrationState

	lastActivity atomic.Int64
	rtt          atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	onStateChange func(*Connection, State, State)
}

// Config bundles the pieces a Connection is assembled from once a
// handshake has produced session keys.
type Config struct {
	LocalID    identity.AgentID
	RemoteID   identity.AgentID
	CID        CID
	FormatSeed []byte
	Session    *ratchet.Session
	Streams    *streammux.Manager
	Transport  transport.PacketTransport
	Reliable   bool
	Path       net.Addr

	OnStateChange func(*Connection, State, State)
}

// New builds an ESTABLISHED connection from a completed handshake. The
// caller transitions through StateHandshaking itself while the handshake
// messages are in flight; New is called only once they've finished.
func New(cfg Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		LocalID:     cfg.LocalID,
		RemoteID:    cfg.RemoteID,
		activeCID:   cfg.CID,
		formatSeed:  cfg.FormatSeed,
		layout:      wireframe.DeriveLayout(cfg.FormatSeed),
		session:     cfg.Session,
		streams:     cfg.Streams,
		congest:     congestion.NewController(cfg.Reliable),
		transport:   cfg.Transport,
		currentPath: cfg.Path,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		onStateChange: cfg.OnStateChange,
	}
	c.state.Store(int32(StateEstablished))
	c.updateActivity()
	return c
}

// State returns the current lifecycle phase.
func (c *Connection) State() State { return State(c.state.Load()) }

// transition moves the connection to a new state and invokes the
// onStateChange hook so every state change is observable (used by the
// node orchestrator's health reporting).
func (c *Connection) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if c.onStateChange != nil && from != to {
		c.onStateChange(c, from, to)
	}
}

// BeginRekey marks the connection REKEYING for the duration of a DH
// ratchet exchange; the crypto ratchet itself continues to accept and
// send data throughout (rekeying must stay transparent to in-flight
// streams), so this is advisory state for observability, not a
// send/receive gate.
func (c *Connection) BeginRekey() {
	if c.State() == StateEstablished {
		c.transition(StateRekeying)
	}
}

// FinishRekey returns to ESTABLISHED once the new epoch's keys are live.
func (c *Connection) FinishRekey() {
	if c.State() == StateRekeying {
		c.transition(StateEstablished)
	}
}

// BeginMigration marks the connection MIGRATING and generates a fresh
// PATH_CHALLENGE token for candidatePath. The caller sends a PathChallenge
// inner frame carrying the returned token over candidatePath; the path is
// not trusted until ValidatePathResponse confirms the peer echoed it back
// (an anti-amplification requirement: never migrate onto a path that
// hasn't proven it's reachable from the peer's side too).
func (c *Connection) BeginMigration(candidatePath net.Addr) ([8]byte, error) {
	var token [8]byte
	if _, err := rand.Read(token[:]); err != nil {
		return token, fmt.Errorf("connection: generate path challenge: %w", err)
	}
	c.mu.Lock()
	c.migration = &migrationState{
		targetPath: candidatePath,
		challenge:  token,
		sentAt:     time.Now(),
	}
	c.mu.Unlock()
	if c.State() == StateEstablished {
		c.transition(StateMigrating)
	}
	return token, nil
}

// PathChallengeFrame builds the PATH_CHALLENGE inner frame carrying token,
// ready to send over candidatePath via SendDatagram.
func PathChallengeFrame(sequence uint64, token [8]byte) *wireframe.InnerFrame {
	return &wireframe.InnerFrame{
		Type:     wireframe.PathChallenge,
		Sequence: sequence,
		Body:     append([]byte(nil), token[:]...),
	}
}

// PathResponseFrame echoes a received PATH_CHALLENGE token back to the
// sender as a PATH_RESPONSE frame, proving the responder is reachable on
// the path the challenge arrived over.
func PathResponseFrame(sequence uint64, challenge *wireframe.InnerFrame) *wireframe.InnerFrame {
	return &wireframe.InnerFrame{
		Type:     wireframe.PathResponse,
		Sequence: sequence,
		Body:     append([]byte(nil), challenge.Body...),
	}
}

// ValidatePathResponse checks a received PATH_RESPONSE token against the
// challenge issued by BeginMigration. On a match it commits candidatePath
// as the connection's current path and returns to ESTABLISHED; on
// mismatch the migration attempt is left pending so a forged or stale
// response can't hijack the path.
func (c *Connection) ValidatePathResponse(token []byte) bool {
	c.mu.Lock()
	if c.migration == nil || !bytes.Equal(c.migration.challenge[:], token) {
		c.mu.Unlock()
		return false
	}
	c.currentPath = c.migration.targetPath
	c.migration = nil
	c.mu.Unlock()

	if c.State() == StateMigrating {
		c.transition(StateEstablished)
	}
	return true
}

// MigrationTimedOut reports whether an in-progress migration's challenge
// has gone unanswered past timeout.
func (c *Connection) MigrationTimedOut(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.migration != nil && time.Since(c.migration.sentAt) > timeout
}

// AbortMigration discards an in-progress migration attempt (challenge
// timed out or failed) and returns to ESTABLISHED on the old path.
func (c *Connection) AbortMigration() {
	c.mu.Lock()
	c.migration = nil
	c.mu.Unlock()
	if c.State() == StateMigrating {
		c.transition(StateEstablished)
	}
}

// migrationState tracks one in-flight PATH_CHALLENGE/PATH_RESPONSE
// exchange validating a candidate network path before it's trusted.
type migrationState struct {
	targetPath net.Addr
	challenge  [8]byte
	sentAt     time.Time
}

// BeginResumption marks the connection RESUMING while a 0-RTT resumption
// ticket is validated against the responder's anti-replay cache.
func (c *Connection) BeginResumption() {
	if c.State() == StateInit {
		c.transition(StateResuming)
	}
}

// FinishResumption moves a validated resumption straight to ESTABLISHED.
func (c *Connection) FinishResumption() {
	if c.State() == StateResuming {
		c.transition(StateEstablished)
	}
}

// BeginDrain moves the connection to StateDraining. It only records the
// state: stream acceptance and sending are not gated on it.
func (c *Connection) BeginDrain() {
	c.transition(StateDraining)
}

// CID returns the currently active connection ID.
func (c *Connection) CID() CID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeCID
}

// RotateCID installs a new connection ID (CID_NEW/CID_RETIRE exchange),
// retaining the previous one briefly so packets already in flight under
// the old ID still demux correctly.
func (c *Connection) RotateCID(newCID CID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previousCID = c.activeCID
	c.activeCID = newCID
}

// PreviousCID returns the CID retired by the most recent RotateCID, or
// the zero value if none has occurred.
func (c *Connection) PreviousCID() CID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.previousCID
}

// NewCIDAnnouncement builds a CID_NEW inner frame advertising newCID to
// the peer, sent ahead of actually switching traffic to it.
func (c *Connection) NewCIDAnnouncement(sequence uint64, newCID CID) *wireframe.InnerFrame {
	return &wireframe.InnerFrame{
		Type:     wireframe.CIDNew,
		Sequence: sequence,
		Body:     append([]byte(nil), newCID[:]...),
	}
}

// HandleCIDNew applies a peer-announced CID_NEW frame, rotating the
// connection's active CID to the one it carries.
func (c *Connection) HandleCIDNew(frame *wireframe.InnerFrame) (CID, error) {
	var newCID CID
	if len(frame.Body) != len(newCID) {
		return newCID, fmt.Errorf("connection: CID_NEW body length = %d, want %d", len(frame.Body), len(newCID))
	}
	copy(newCID[:], frame.Body)
	c.RotateCID(newCID)
	return newCID, nil
}

// RetireCIDAnnouncement builds a CID_RETIRE inner frame confirming
// retiredCID will no longer be used, once traffic on the new CID has been
// observed.
func (c *Connection) RetireCIDAnnouncement(sequence uint64, retiredCID CID) *wireframe.InnerFrame {
	return &wireframe.InnerFrame{
		Type:     wireframe.CIDRetire,
		Sequence: sequence,
		Body:     append([]byte(nil), retiredCID[:]...),
	}
}

// ParseCIDRetire extracts the retired CID from a peer's CID_RETIRE frame,
// for the caller to drop from its demux Registry.
func ParseCIDRetire(frame *wireframe.InnerFrame) (CID, error) {
	var retired CID
	if len(frame.Body) != len(retired) {
		return retired, fmt.Errorf("connection: CID_RETIRE body length = %d, want %d", len(frame.Body), len(retired))
	}
	copy(retired[:], frame.Body)
	return retired, nil
}

// Layout returns the session's fixed polymorphic wire layout. By design
// this does not change across a migration.
func (c *Connection) Layout() wireframe.Layout {
	return c.layout
}

// FormatSeed returns the per-session seed the polymorphic layout and
// per-packet dummy filler/sequence mask are derived from. Used by the node
// orchestrator to recognize a migration probe arriving from an address it
// hasn't associated with this connection yet.
func (c *Connection) FormatSeed() []byte {
	return c.formatSeed
}

// MatchesCIDPrefix reports whether raw's transmitted CID prefix, decoded
// against this connection's own layout and format seed, equals this
// connection's active or previous CID truncated to the same length. A
// shared listening socket uses this to recognize packets arriving from an
// address not yet in its per-address demux table, e.g. a migration probe.
func (c *Connection) MatchesCIDPrefix(raw []byte) bool {
	prefix, _, _, err := wireframe.DecodeOuter(c.layout, c.formatSeed, raw)
	if err != nil {
		return false
	}
	c.mu.RLock()
	active, previous := c.activeCID, c.previousCID
	c.mu.RUnlock()
	return cidPrefixEqual(active, prefix) || (previous != (CID{}) && cidPrefixEqual(previous, prefix))
}

func cidPrefixEqual(cid CID, prefix []byte) bool {
	if len(prefix) > len(cid) {
		return false
	}
	for i, b := range prefix {
		if cid[i] != b {
			return false
		}
	}
	return true
}

// Transport returns the packet transport carrying this connection: the
// shared node socket for the common UDP path, or a dedicated per-session
// carrier for mimicry transports.
func (c *Connection) Transport() transport.PacketTransport { return c.transport }

// Session returns the cryptographic ratchet session.
func (c *Connection) Session() *ratchet.Session { return c.session }

// Streams returns the stream multiplexer.
func (c *Connection) Streams() *streammux.Manager { return c.streams }

// Congestion returns the BBR-style congestion controller.
func (c *Connection) Congestion() *congestion.Controller { return c.congest }

// CurrentPath returns the network address currently used to reach the
// peer.
func (c *Connection) CurrentPath() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentPath
}

// SendDatagram seals one wire packet through the session ratchet, frames
// it with the connection's polymorphic layout, and transmits it.
func (c *Connection) SendDatagram(ctx context.Context, inner *wireframe.InnerFrame) error {
	plaintext, err := inner.Encode()
	if err != nil {
		return fmt.Errorf("connection: encode inner frame: %w", err)
	}

	c.mu.RLock()
	cid := c.activeCID
	path := c.currentPath
	c.mu.RUnlock()

	ciphertext, seq, err := c.session.Seal(plaintext, cid[:])
	if err != nil {
		return fmt.Errorf("connection: seal: %w", err)
	}

	raw, err := wireframe.EncodeOuter(c.layout, c.formatSeed, [16]byte(cid), seq, ciphertext)
	if err != nil {
		return fmt.Errorf("connection: encode outer packet: %w", err)
	}

	c.congest.OnSent(int64(len(raw)))
	if err := c.transport.SendDatagram(ctx, path, raw); err != nil {
		return fmt.Errorf("connection: send datagram: %w", err)
	}
	c.updateActivity()
	return nil
}

// SendDatagramOnPath seals and transmits inner over path explicitly,
// rather than the connection's current path. Used to send a PATH_CHALLENGE
// over a migration candidate before it has been validated and installed as
// CurrentPath.
func (c *Connection) SendDatagramOnPath(ctx context.Context, path net.Addr, inner *wireframe.InnerFrame) error {
	plaintext, err := inner.Encode()
	if err != nil {
		return fmt.Errorf("connection: encode inner frame: %w", err)
	}

	c.mu.RLock()
	cid := c.activeCID
	c.mu.RUnlock()

	ciphertext, seq, err := c.session.Seal(plaintext, cid[:])
	if err != nil {
		return fmt.Errorf("connection: seal: %w", err)
	}

	raw, err := wireframe.EncodeOuter(c.layout, c.formatSeed, [16]byte(cid), seq, ciphertext)
	if err != nil {
		return fmt.Errorf("connection: encode outer packet: %w", err)
	}

	if err := c.transport.SendDatagram(ctx, path, raw); err != nil {
		return fmt.Errorf("connection: send datagram on path: %w", err)
	}
	c.updateActivity()
	return nil
}

// ReceiveInner decrypts one received outer packet and returns its inner
// frame. The wire layout carries the ratchet sequence number masked
// alongside the ciphertext (see wireframe.DecodeOuter), so no guessing or
// synchronization scheme is needed to recover it before decryption.
func (c *Connection) ReceiveInner(raw []byte) (*wireframe.InnerFrame, error) {
	c.mu.RLock()
	cid := c.activeCID
	c.mu.RUnlock()

	_, sequence, ciphertext, err := wireframe.DecodeOuter(c.layout, c.formatSeed, raw)
	if err != nil {
		return nil, fmt.Errorf("connection: decode outer packet: %w", err)
	}

	plaintext, err := c.session.Open(ciphertext, cid[:], sequence)
	if err != nil {
		return nil, fmt.Errorf("connection: session open: %w", err)
	}

	frame, err := wireframe.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("connection: decode inner frame: %w", err)
	}
	c.updateActivity()
	return frame, nil
}

// updateActivity stamps the connection as active now.
func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent send or receive.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Close tears the connection down, zeroizing its session key material.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.transition(StateClosed)
		c.streams.Close()
		c.session.Close()
		err = c.transport.Close()
		close(c.closed)
	})
	return err
}

// Done returns a channel closed once Close has run.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Context returns the connection's lifetime context.
func (c *Connection) Context() context.Context { return c.ctx }
