package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wraith-project/wraith/internal/connection"
	"github.com/wraith-project/wraith/internal/handshake"
	"github.com/wraith-project/wraith/internal/logging"
	"github.com/wraith-project/wraith/internal/metrics"
	"github.com/wraith-project/wraith/internal/obfuscate"
	"github.com/wraith-project/wraith/internal/ratchet"
	"github.com/wraith-project/wraith/internal/recovery"
	"github.com/wraith-project/wraith/internal/streammux"
	"github.com/wraith-project/wraith/internal/suite"
	"github.com/wraith-project/wraith/internal/wireframe"
	"github.com/wraith-project/wraith/internal/wraitherr"
)

// cryptoRandRead is crypto/rand.Read, kept as a package variable so tests
// can swap in a deterministic source.
var cryptoRandRead = rand.Read

const (
	// maxChunkSize bounds a single STREAM_DATA frame's body.
	maxChunkSize = 4096

	// defaultRTO is the retransmission timeout floor used before the
	// congestion controller has a usable RTprop sample.
	defaultRTO = 400 * time.Millisecond

	rekeyPollInterval      = 5 * time.Second
	retransmitPollInterval = 100 * time.Millisecond
	migrationPollInterval  = 250 * time.Millisecond

	// flagStreamOpenAck marks an ACK frame as confirming a STREAM_OPEN
	// rather than acknowledging received data bytes; the wire format has
	// no dedicated STREAM_OPEN_ACK frame type, so this reuses ACK's Flags
	// byte to carry the distinction.
	flagStreamOpenAck uint8 = 0x01
)

// rekeyState is one side's in-flight DH ratchet ephemeral keypair, live
// between sending or receiving a REKEY frame and the matching
// KEY_UPDATE_ACK that completes the epoch transition.
type rekeyState struct {
	priv   [32]byte
	pub    [32]byte
	sentAt time.Time
}

// outboundChunk is one unacknowledged STREAM_DATA frame body, kept around
// for retransmission until a cumulative ACK covers its offset range.
type outboundChunk struct {
	streamID uint16
	offset   uint64
	data     []byte
	sentAt   time.Time
}

// streamSendState tracks one stream's outbound byte offset and the
// chunks sent but not yet acknowledged.
type streamSendState struct {
	mu         sync.Mutex
	nextOffset uint64
	unacked    []*outboundChunk
}

// streamRecvState reorders inbound STREAM_DATA frames that arrive out of
// order (the shared UDP path neither preserves nor guarantees order) into
// the stream's contiguous byte sequence.
type streamRecvState struct {
	mu         sync.Mutex
	nextOffset uint64
	pending    map[uint64][]byte
}

// Session is one established WRAITH peer session: the handshake has
// completed, a Connection carries the ratchet, congestion controller, and
// stream table, and this type drives the background loops (receive
// dispatch, DH re-key, retransmission, migration watchdog, cover traffic)
// and exposes the caller-facing OpenStream/AcceptStream/Send/Recv/
// Migrate/Close surface; Connect and Accept live on Node.
type Session struct {
	node         *Node
	conn         *connection.Connection
	remoteStatic [32]byte
	logger       *slog.Logger

	ownsTransportLoop bool

	pacer      *obfuscate.Pacer
	cover      *obfuscate.CoverGenerator
	paddingCfg obfuscate.Config
	activity   chan struct{}

	acceptCh chan *streammux.Stream

	openAcks struct {
		mu      sync.Mutex
		waiters map[uint16]chan error
	}

	sendState struct {
		mu       sync.Mutex
		byStream map[uint16]*streamSendState
	}
	recvState struct {
		mu       sync.Mutex
		byStream map[uint16]*streamRecvState
	}

	rekey struct {
		mu      sync.Mutex
		pending *rekeyState
	}

	migrationResult chan error
	ctrlSeq         atomic.Uint64
	closeCode       atomic.Uint32

	failures wraitherr.FailureCounter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// newSession wraps a just-established Connection in the Session API and
// derives its obfuscation pacing from the handshake's shared seeds.
func newSession(n *Node, conn *connection.Connection, result *handshake.Result, remoteStatic [32]byte) *Session {
	ctx, cancel := context.WithCancel(n.ctx)

	paddingCfg := n.cfg.Padding
	if paddingCfg.Max == 0 {
		paddingCfg = obfuscate.DefaultConfig(1400)
	}
	pacer := obfuscate.NewPacer(n.cfg.Timing, result.TimingSeed)

	s := &Session{
		node:              n,
		conn:              conn,
		remoteStatic:      remoteStatic,
		logger:            n.logger,
		ownsTransportLoop: conn.Transport() != n.sharedTx,
		pacer:             pacer,
		paddingCfg:        paddingCfg,
		activity:          make(chan struct{}, 1),
		acceptCh:          make(chan *streammux.Stream, 16),
		migrationResult:   make(chan error, 1),
		closed:            make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
	}
	s.openAcks.waiters = make(map[uint16]chan error)
	s.sendState.byStream = make(map[uint16]*streamSendState)
	s.recvState.byStream = make(map[uint16]*streamRecvState)

	if pacer.NeedsCoverTraffic() {
		s.cover = obfuscate.NewCoverGenerator(pacer, paddingCfg, result.PaddingSeed, s.sendFrame)
	}

	n.health.SessionOpened()
	metrics.Default().SessionOpened()
	return s
}

// start launches the session's background loops. Called once, immediately
// after construction, before the session is handed to a caller.
func (s *Session) start() {
	s.wg.Add(1)
	go s.rekeyLoop()

	s.wg.Add(1)
	go s.retransmitLoop()

	s.wg.Add(1)
	go s.migrationWatchdog()

	if s.cover != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "session.cover")
			if err := s.cover.Run(s.ctx, s.activity); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("cover traffic generator stopped", logging.KeyError, err.Error())
			}
		}()
	}

	if s.ownsTransportLoop {
		s.wg.Add(1)
		go s.recvLoop()
	}
}

// recvLoop services a dedicated per-session transport (mimicry carriers),
// where no node-level demux is involved: the session reads its own
// datagrams directly.
func (s *Session) recvLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.recvLoop")

	tx := s.conn.Transport()
	for {
		payload, from, err := tx.ReceiveDatagram(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Debug("dedicated transport receive error", logging.KeyError, err.Error())
			return
		}
		s.handleRaw(payload, from)
	}
}

// handleRaw decrypts and dispatches one received outer packet. Invoked
// either by the node's shared-socket demux or by this session's own
// recvLoop for a dedicated transport.
func (s *Session) handleRaw(raw []byte, from net.Addr) {
	defer recovery.RecoverWithLog(s.logger, "session.handleRaw")

	frame, err := s.conn.ReceiveInner(raw)
	if err != nil {
		wraitherr.NormalizeTiming()
		if errors.Is(err, ratchet.ErrReplayed) {
			s.logger.Debug("dropped packet failing replay/probing check", logging.KeyError, err.Error())
			return
		}
		if s.failures.Record(time.Now()) {
			s.logger.Warn("session-local failure threshold exceeded, closing session")
			s.Close(1)
		}
		return
	}
	metrics.Default().FrameReceived(frame.Type.Name(), len(frame.Body))

	switch frame.Type {
	case wireframe.StreamOpen:
		s.handleStreamOpen(frame)
	case wireframe.StreamData:
		s.handleStreamData(frame)
	case wireframe.StreamFin:
		s.handleStreamFin(frame)
	case wireframe.Ack:
		s.handleAck(frame)
	case wireframe.MaxData:
		s.handleMaxData(frame)
	case wireframe.StreamReset:
		s.handleStreamReset(frame)
	case wireframe.Ping:
		// Activity is already recorded by ReceiveInner; nothing further
		// to do for a bare keepalive.
	case wireframe.Close:
		s.handlePeerClose(frame)
	case wireframe.Rekey:
		s.handleRekey(frame)
	case wireframe.KeyUpdateAck:
		s.handleKeyUpdateAck(frame)
	case wireframe.PathChallenge:
		s.handlePathChallenge(frame, from)
	case wireframe.PathResponse:
		s.handlePathResponse(frame)
	case wireframe.CIDNew:
		s.handleCIDNew(frame, from)
	case wireframe.CIDRetire:
		s.logger.Debug("peer retired previous connection id")
	case wireframe.ResumptionTicket:
		// Tickets are consumed during the handshake; an in-session
		// arrival is informational only in this implementation.
	case wireframe.Pad:
		// Cover traffic: already counted as activity by ReceiveInner.
	default:
		if frame.Type.IsFatalIfUnknown() {
			s.logger.Warn("fatal unknown frame type", logging.KeyError, frame.Type.Name())
			s.Close(1)
		}
		// Reserved-ignorable range: silently skipped per the wire
		// extension contract.
	}
}

// sendFrame seals, frames, and transmits one inner frame over the
// session's current path, stamping its wall-clock send time and signaling
// the activity channel the cover-traffic generator and pacer watch.
func (s *Session) sendFrame(frame *wireframe.InnerFrame) error {
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixNano()
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.SendDatagram(ctx, frame); err != nil {
		return fmt.Errorf("node: send %s frame: %w", frame.Type.Name(), err)
	}
	metrics.Default().FrameSent(frame.Type.Name(), len(frame.Body))
	select {
	case s.activity <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) nextCtrlSeq() uint64 { return s.ctrlSeq.Add(1) }

// --- stream lifecycle ---

// OpenStream allocates a new locally-initiated stream, sends STREAM_OPEN,
// and blocks until the peer's acknowledgment arrives or ctx is done.
func (s *Session) OpenStream(ctx context.Context, qos streammux.QoSClass) (*streammux.Stream, error) {
	stream, err := s.conn.Streams().OpenStream(qos)
	if err != nil {
		return nil, fmt.Errorf("node: open stream: %w", err)
	}

	waiter := make(chan error, 1)
	s.openAcks.mu.Lock()
	s.openAcks.waiters[stream.ID] = waiter
	s.openAcks.mu.Unlock()
	defer func() {
		s.openAcks.mu.Lock()
		delete(s.openAcks.waiters, stream.ID)
		s.openAcks.mu.Unlock()
	}()

	if err := s.sendFrame(&wireframe.InnerFrame{
		Type:     wireframe.StreamOpen,
		StreamID: stream.ID,
		Body:     []byte{byte(qos)},
	}); err != nil {
		s.conn.Streams().RemoveStream(stream.ID)
		return nil, err
	}

	opened := time.Now()
	select {
	case err := <-waiter:
		if err != nil {
			return nil, err
		}
		metrics.Default().StreamOpened(time.Since(opened).Seconds())
		return stream, nil
	case <-ctx.Done():
		s.conn.Streams().RemoveStream(stream.ID)
		return nil, wraitherr.ErrTimeout
	case <-s.closed:
		return nil, wraitherr.ErrSessionClosedByPeer
	}
}

// AcceptStream blocks until the peer opens a new stream.
func (s *Session) AcceptStream(ctx context.Context) (*streammux.Stream, error) {
	select {
	case stream := <-s.acceptCh:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, wraitherr.ErrSessionClosedByPeer
	}
}

func (s *Session) handleStreamOpen(frame *wireframe.InnerFrame) {
	qos := streammux.QoSInteractive
	if len(frame.Body) >= 1 {
		qos = streammux.QoSClass(frame.Body[0])
	}
	stream, err := s.conn.Streams().AcceptStream(frame.StreamID, qos)
	if err != nil {
		s.logger.Debug("rejected stream open", logging.KeyStreamID, frame.StreamID, logging.KeyError, err.Error())
		return
	}
	select {
	case s.acceptCh <- stream:
		metrics.Default().StreamOpened(0)
	default:
		s.logger.Warn("accept queue full, dropping inbound stream", logging.KeyStreamID, frame.StreamID)
	}
	s.sendFrame(&wireframe.InnerFrame{
		Type:     wireframe.Ack,
		Flags:    flagStreamOpenAck,
		StreamID: frame.StreamID,
	})
}

func (s *Session) handleAck(frame *wireframe.InnerFrame) {
	if frame.Flags&flagStreamOpenAck != 0 {
		if _, err := s.conn.Streams().HandleOpenAck(frame.StreamID); err != nil {
			s.logger.Debug("open ack for unknown stream", logging.KeyStreamID, frame.StreamID)
			return
		}
		s.openAcks.mu.Lock()
		waiter, ok := s.openAcks.waiters[frame.StreamID]
		s.openAcks.mu.Unlock()
		if ok {
			select {
			case waiter <- nil:
			default:
			}
		}
		return
	}

	ackOffset := frame.Sequence
	st := s.sendStateFor(frame.StreamID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	var remaining []*outboundChunk
	var acked []*outboundChunk
	for _, c := range st.unacked {
		if c.offset+uint64(len(c.data)) <= ackOffset {
			acked = append(acked, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	st.unacked = remaining
	st.mu.Unlock()

	now := time.Now()
	for _, c := range acked {
		s.conn.Congestion().OnAck(c.sentAt, now, int64(len(c.data)))
	}
}

func (s *Session) handleMaxData(frame *wireframe.InnerFrame) {
	if len(frame.Body) < 8 {
		return
	}
	stream := s.conn.Streams().GetStream(frame.StreamID)
	if stream == nil {
		return
	}
	delta := int64(binary.BigEndian.Uint64(frame.Body))
	stream.GrantSendCredit(delta)
}

func (s *Session) handleStreamReset(frame *wireframe.InnerFrame) {
	var code uint16
	if len(frame.Body) >= 2 {
		code = binary.BigEndian.Uint16(frame.Body)
	}
	s.conn.Streams().HandleReset(frame.StreamID, code)
}

func (s *Session) handleStreamFin(frame *wireframe.InnerFrame) {
	stream := s.conn.Streams().GetStream(frame.StreamID)
	if stream == nil {
		return
	}
	stream.HandleRemoteFinWrite()
}

// --- data path ---

func (s *Session) sendStateFor(id uint16, create bool) *streamSendState {
	s.sendState.mu.Lock()
	defer s.sendState.mu.Unlock()
	st, ok := s.sendState.byStream[id]
	if !ok && create {
		st = &streamSendState{}
		s.sendState.byStream[id] = st
	}
	if !ok {
		return st
	}
	return st
}

func (s *Session) recvStateFor(id uint16) *streamRecvState {
	s.recvState.mu.Lock()
	defer s.recvState.mu.Unlock()
	st, ok := s.recvState.byStream[id]
	if !ok {
		st = &streamRecvState{pending: make(map[uint64][]byte)}
		s.recvState.byStream[id] = st
	}
	return st
}

// Send chunks data into STREAM_DATA frames and transmits them in order,
// blocking on flow-control credit as needed.
func (s *Session) Send(ctx context.Context, streamID uint16, data []byte) error {
	stream := s.conn.Streams().GetStream(streamID)
	if stream == nil {
		return fmt.Errorf("node: send: no such stream %d", streamID)
	}
	if !stream.CanWrite() {
		return fmt.Errorf("node: send: stream %d is not writable: %w", streamID, wraitherr.ErrSessionClosedByPeer)
	}

	st := s.sendStateFor(streamID, true)

	for len(data) > 0 {
		n := len(data)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		chunk := data[:n]
		data = data[n:]

		for !stream.ReserveSendCredit(int64(len(chunk))) {
			select {
			case <-ctx.Done():
				return wraitherr.ErrTimeout
			case <-s.closed:
				return wraitherr.ErrSessionClosedByPeer
			case <-time.After(5 * time.Millisecond):
			}
		}

		st.mu.Lock()
		offset := st.nextOffset
		st.nextOffset += uint64(len(chunk))
		body := append([]byte(nil), chunk...)
		st.unacked = append(st.unacked, &outboundChunk{
			streamID: streamID,
			offset:   offset,
			data:     body,
			sentAt:   time.Now(),
		})
		st.mu.Unlock()

		if err := s.sendFrame(&wireframe.InnerFrame{
			Type:     wireframe.StreamData,
			StreamID: streamID,
			Sequence: offset,
			Body:     body,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CloseStream half-closes the local write side of a stream and tells the
// peer no more data is coming.
func (s *Session) CloseStream(streamID uint16) error {
	stream := s.conn.Streams().GetStream(streamID)
	if stream == nil {
		return fmt.Errorf("node: close stream: no such stream %d", streamID)
	}
	stream.CloseWrite()
	metrics.Default().StreamClosed()
	return s.sendFrame(&wireframe.InnerFrame{Type: wireframe.StreamFin, StreamID: streamID})
}

// Recv returns the next chunk of data received on streamID, blocking until
// one arrives, the stream is drained and closed (io.EOF), or ctx is done.
func (s *Session) Recv(ctx context.Context, streamID uint16) ([]byte, error) {
	stream := s.conn.Streams().GetStream(streamID)
	if stream == nil {
		return nil, fmt.Errorf("node: recv: no such stream %d", streamID)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := stream.Read()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, wraitherr.ErrSessionClosedByPeer
	}
}

func (s *Session) handleStreamData(frame *wireframe.InnerFrame) {
	stream := s.conn.Streams().GetStream(frame.StreamID)
	if stream == nil {
		s.logger.Debug("data for unknown stream", logging.KeyStreamID, frame.StreamID)
		return
	}

	rs := s.recvStateFor(frame.StreamID)
	rs.mu.Lock()
	if frame.Sequence >= rs.nextOffset {
		rs.pending[frame.Sequence] = frame.Body
	}
	var deliver [][]byte
	for {
		chunk, ok := rs.pending[rs.nextOffset]
		if !ok {
			break
		}
		delete(rs.pending, rs.nextOffset)
		deliver = append(deliver, chunk)
		rs.nextOffset += uint64(len(chunk))
	}
	deliveredUpTo := rs.nextOffset
	rs.mu.Unlock()

	var grant int64
	for _, chunk := range deliver {
		g, err := stream.PushData(chunk)
		if err != nil {
			break
		}
		if g > grant {
			grant = g
		}
	}

	s.sendFrame(&wireframe.InnerFrame{
		Type:     wireframe.Ack,
		StreamID: frame.StreamID,
		Sequence: deliveredUpTo,
	})
	if grant > 0 {
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, uint64(grant))
		s.sendFrame(&wireframe.InnerFrame{Type: wireframe.MaxData, StreamID: frame.StreamID, Body: body})
	}
}

// --- retransmission ---

func (s *Session) retransmitLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.retransmitLoop")

	t := time.NewTicker(retransmitPollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.retransmitDue()
		}
	}
}

func (s *Session) retransmitDue() {
	rto := defaultRTO
	if rtt := s.conn.Congestion().RTProp(); rtt > 0 {
		if candidate := rtt * 2; candidate > rto {
			rto = candidate
		}
	}

	now := time.Now()
	s.sendState.mu.Lock()
	states := make([]*streamSendState, 0, len(s.sendState.byStream))
	for _, st := range s.sendState.byStream {
		states = append(states, st)
	}
	s.sendState.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		var due []*outboundChunk
		for _, c := range st.unacked {
			if now.Sub(c.sentAt) >= rto {
				c.sentAt = now
				due = append(due, c)
			}
		}
		st.mu.Unlock()

		for _, c := range due {
			s.sendFrame(&wireframe.InnerFrame{
				Type:     wireframe.StreamData,
				StreamID: c.streamID,
				Sequence: c.offset,
				Body:     c.data,
			})
			s.conn.Congestion().OnLoss(int64(len(c.data)))
			metrics.Default().Retransmit()
		}
	}
}

// --- DH re-key ---

func (s *Session) rekeyLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.rekeyLoop")

	t := time.NewTicker(rekeyPollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if s.conn.Session().NeedsRekey() {
				s.initiateRekey()
			}
		}
	}
}

func (s *Session) initiateRekey() {
	s.rekey.mu.Lock()
	if s.rekey.pending != nil {
		s.rekey.mu.Unlock()
		return
	}
	priv, pub, err := generateEphemeral()
	if err != nil {
		s.rekey.mu.Unlock()
		s.logger.Warn("rekey: generate ephemeral failed", logging.KeyError, err.Error())
		return
	}
	s.rekey.pending = &rekeyState{priv: priv, pub: pub, sentAt: time.Now()}
	s.rekey.mu.Unlock()

	s.conn.BeginRekey()
	if err := s.sendFrame(&wireframe.InnerFrame{Type: wireframe.Rekey, Body: append([]byte(nil), pub[:]...)}); err != nil {
		s.logger.Debug("rekey: send failed", logging.KeyError, err.Error())
	}
}

func generateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = cryptoRandRead(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("node: generate ephemeral private key: %w", err)
	}
	pub, err = suite.X25519ScalarBaseMult(priv)
	if err != nil {
		return priv, pub, fmt.Errorf("node: derive ephemeral public key: %w", err)
	}
	return priv, pub, nil
}

// handleRekey processes a peer-initiated (or racing) REKEY frame. See
// DESIGN.md for the race-resolution protocol: the lexicographically-lower
// static key acts as responder using whichever ephemeral it already has
// pending, the other side waits for the resulting KEY_UPDATE_ACK.
func (s *Session) handleRekey(frame *wireframe.InnerFrame) {
	if len(frame.Body) != 32 {
		return
	}
	var peerPub [32]byte
	copy(peerPub[:], frame.Body)

	s.conn.BeginRekey()

	s.rekey.mu.Lock()
	pending := s.rekey.pending
	if pending != nil && !s.conn.Session().WinsRekeyRace() {
		// We also initiated, but the peer wins the race: keep our
		// ephemeral and wait for their KEY_UPDATE_ACK to complete it.
		s.rekey.mu.Unlock()
		return
	}

	var priv, pub [32]byte
	var err error
	if pending != nil {
		priv, pub = pending.priv, pending.pub
	} else {
		priv, pub, err = generateEphemeral()
		if err != nil {
			s.rekey.mu.Unlock()
			s.logger.Warn("rekey: generate responder ephemeral failed", logging.KeyError, err.Error())
			return
		}
	}
	s.rekey.pending = nil
	s.rekey.mu.Unlock()

	ss, err := suite.X25519(priv, peerPub)
	if err != nil {
		s.logger.Warn("rekey: derive shared secret failed", logging.KeyError, err.Error())
		return
	}
	s.conn.Session().ApplyRekey(ss[:])
	ratchet.ZeroBytes(ss[:])
	s.conn.FinishRekey()
	metrics.Default().RekeyCompleted()

	s.sendFrame(&wireframe.InnerFrame{Type: wireframe.KeyUpdateAck, Body: append([]byte(nil), pub[:]...)})
}

func (s *Session) handleKeyUpdateAck(frame *wireframe.InnerFrame) {
	if len(frame.Body) != 32 {
		return
	}
	var peerPub [32]byte
	copy(peerPub[:], frame.Body)

	s.rekey.mu.Lock()
	pending := s.rekey.pending
	s.rekey.pending = nil
	s.rekey.mu.Unlock()
	if pending == nil {
		s.logger.Debug("key update ack with no pending rekey, ignoring")
		return
	}

	ss, err := suite.X25519(pending.priv, peerPub)
	if err != nil {
		s.logger.Warn("rekey: derive shared secret failed", logging.KeyError, err.Error())
		return
	}
	s.conn.Session().ApplyRekey(ss[:])
	ratchet.ZeroBytes(ss[:])
	s.conn.FinishRekey()
	metrics.Default().RekeyCompleted()
}

// --- connection migration ---

// Migrate probes a candidate network path and, once the peer proves it's
// reachable there, switches the session's active path and rotates the
// connection ID.
func (s *Session) Migrate(ctx context.Context, newPath net.Addr) error {
	token, err := s.conn.BeginMigration(newPath)
	if err != nil {
		return fmt.Errorf("node: begin migration: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.node.cfg.MigrationTimeout)
	defer cancel()

	challenge := connection.PathChallengeFrame(s.nextCtrlSeq(), token)
	if err := s.conn.SendDatagramOnPath(sctx, newPath, challenge); err != nil {
		s.conn.AbortMigration()
		metrics.Default().MigrationFailed()
		return fmt.Errorf("node: send path challenge: %w", err)
	}

	select {
	case <-s.migrationResult:
	case <-sctx.Done():
		s.conn.AbortMigration()
		metrics.Default().MigrationFailed()
		return wraitherr.ErrPeerUnreachable
	case <-s.closed:
		return wraitherr.ErrSessionClosedByPeer
	}

	var newCID connection.CID
	if _, err := cryptoRandRead(newCID[:]); err != nil {
		return fmt.Errorf("node: generate migration cid: %w", err)
	}
	s.conn.RotateCID(newCID)
	if err := s.sendFrame(s.conn.NewCIDAnnouncement(s.nextCtrlSeq(), newCID)); err != nil {
		s.logger.Debug("migration: cid announcement failed", logging.KeyError, err.Error())
	}

	if s.node.sharedTx != nil && s.conn.Transport() == s.node.sharedTx {
		s.node.remapPath(s, newPath)
	}
	metrics.Default().MigrationCompleted()
	return nil
}

func (s *Session) handlePathChallenge(frame *wireframe.InnerFrame, from net.Addr) {
	if from == nil {
		return
	}
	resp := connection.PathResponseFrame(s.nextCtrlSeq(), frame)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.SendDatagramOnPath(ctx, from, resp); err != nil {
		s.logger.Debug("path response send failed", logging.KeyError, err.Error())
	}
}

func (s *Session) handlePathResponse(frame *wireframe.InnerFrame) {
	if !s.conn.ValidatePathResponse(frame.Body) {
		return
	}
	select {
	case s.migrationResult <- nil:
	default:
	}
}

func (s *Session) handleCIDNew(frame *wireframe.InnerFrame, from net.Addr) {
	if _, err := s.conn.HandleCIDNew(frame); err != nil {
		s.logger.Debug("cid_new rejected", logging.KeyError, err.Error())
		return
	}
	if from != nil {
		s.node.remapPath(s, from)
	}
	s.sendFrame(s.conn.RetireCIDAnnouncement(s.nextCtrlSeq(), s.conn.PreviousCID()))
}

func (s *Session) migrationWatchdog() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.migrationWatchdog")

	t := time.NewTicker(migrationPollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if s.conn.MigrationTimedOut(s.node.cfg.MigrationTimeout) {
				s.conn.AbortMigration()
				metrics.Default().MigrationFailed()
				select {
				case s.migrationResult <- wraitherr.ErrPeerUnreachable:
				default:
				}
			}
		}
	}
}

// --- teardown ---

func (s *Session) handlePeerClose(frame *wireframe.InnerFrame) {
	var code uint16
	if len(frame.Body) >= 2 {
		code = binary.BigEndian.Uint16(frame.Body)
	}
	s.closeCode.Store(uint32(code))
	s.closeOnce.Do(func() {
		s.teardown()
	})
}

// Close tears down the session locally, sending a best-effort CLOSE frame
// so the peer can tear down promptly instead of waiting on an idle
// timeout.
func (s *Session) Close(code uint16) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closeCode.Store(uint32(code))
		body := make([]byte, 2)
		binary.BigEndian.PutUint16(body, code)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.SendDatagram(ctx, &wireframe.InnerFrame{Type: wireframe.Close, Body: body})
		cancel()
		closeErr = s.teardown()
	})
	return closeErr
}

func (s *Session) teardown() error {
	s.cancel()
	close(s.closed)
	s.node.health.SessionClosed()
	metrics.Default().SessionClosed(fmt.Sprintf("%d", s.closeCode.Load()))
	s.node.forget(s)
	return s.conn.Close()
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// RemoteStatic returns the peer's long-lived static public key.
func (s *Session) RemoteStatic() [32]byte { return s.remoteStatic }

// LocalAddr returns the session's current network path.
func (s *Session) LocalAddr() net.Addr { return s.conn.CurrentPath() }
