// Package node wires the handshake, ratchet, wire framing, stream
// multiplexer, congestion controller, and obfuscation layers into the
// Session API a caller actually uses: Connect, Accept, OpenStream, Send,
// Recv, Migrate, Close.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wraith-project/wraith/internal/connection"
	"github.com/wraith-project/wraith/internal/handshake"
	"github.com/wraith-project/wraith/internal/health"
	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/logging"
	"github.com/wraith-project/wraith/internal/metrics"
	"github.com/wraith-project/wraith/internal/obfuscate"
	"github.com/wraith-project/wraith/internal/ratchet"
	"github.com/wraith-project/wraith/internal/ratelimit"
	"github.com/wraith-project/wraith/internal/resumption"
	"github.com/wraith-project/wraith/internal/streammux"
	"github.com/wraith-project/wraith/internal/suite"
	"github.com/wraith-project/wraith/internal/transport"
	"github.com/wraith-project/wraith/internal/wraitherr"
)

// Config bundles everything a Node needs to listen and dial.
type Config struct {
	Identity *identity.Keypair
	Suite    suite.ID

	// ListenAddr is the local bind address ("host:port" or ":port"). Empty
	// disables listening; the node can still Connect out.
	ListenAddr string

	Profile   obfuscate.Profile
	TLSConfig *tls.Config

	Timing  obfuscate.TimingConfig
	Padding obfuscate.Config

	Streams streammux.ManagerConfig

	Limits           health.Limits
	RateLimit        int
	RateLimitWindow  time.Duration
	TicketKey        []byte
	ResumptionTTL    time.Duration
	MigrationTimeout time.Duration
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.ResumptionTTL <= 0 {
		c.ResumptionTTL = resumption.DefaultTTL
	}
	if c.MigrationTimeout <= 0 {
		c.MigrationTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Streams.MaxStreams == 0 {
		c.Streams = streammux.DefaultManagerConfig()
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if len(c.TicketKey) == 0 {
		c.TicketKey = make([]byte, resumption.TicketKeySize)
	}
}

// ErrClosed is returned by node operations attempted after Shutdown.
var ErrClosed = errors.New("node: closed")

// Node is one WRAITH endpoint: it owns the listening transport (or a
// per-connection dial path), the connection registry, and the process-wide
// defenses (rate limiting, resource health) gating new sessions.
type Node struct {
	cfg    Config
	logger *slog.Logger

	sharedTx  transport.PacketTransport // set when Profile.Mimicry == MimicryNone
	mimicryLn obfuscate.Listener        // set otherwise

	registry *connection.Registry

	mu         sync.Mutex
	byAddr     map[string]*Session // shared-transport demux: remote addr -> session
	pendingIn  map[string]chan []byte
	pendingOut map[string]chan []byte

	rateLimit *ratelimit.Table
	health    *health.Monitor
	tickets   *resumption.Cache

	acceptCh chan *Session

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode constructs a Node and, if cfg.ListenAddr is set, starts
// listening.
func NewNode(cfg Config) (*Node, error) {
	cfg.setDefaults()

	// CSPRNG self-check: refuse to start if the source fails or returns
	// constant (including all-zero) output.
	var probe [32]byte
	if _, err := cryptoRandRead(probe[:]); err != nil {
		return nil, fmt.Errorf("node: csprng self-check: %w", err)
	}
	constant := true
	for _, b := range probe[1:] {
		if b != probe[0] {
			constant = false
			break
		}
	}
	if constant {
		return nil, errors.New("node: csprng self-check: constant output")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		logger:     cfg.Logger,
		registry:   connection.NewRegistry(),
		byAddr:     make(map[string]*Session),
		pendingIn:  make(map[string]chan []byte),
		pendingOut: make(map[string]chan []byte),
		rateLimit:  ratelimit.NewTable(cfg.RateLimit, cfg.RateLimitWindow),
		health:     health.NewMonitor(cfg.Limits, nil),
		tickets:    resumption.NewCache(),
		acceptCh:   make(chan *Session, 16),
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.ListenAddr == "" {
		return n, nil
	}

	if cfg.Profile.Mimicry == obfuscate.MimicryNone {
		tx, err := transport.NewUDPPacketTransport(cfg.ListenAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("node: bind listener: %w", err)
		}
		n.sharedTx = tx
		n.wg.Add(1)
		go n.runSharedReader()
	} else {
		ln, err := obfuscate.Listen(cfg.Profile, cfg.ListenAddr, cfg.TLSConfig)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("node: start mimicry listener: %w", err)
		}
		n.mimicryLn = ln
		n.wg.Add(1)
		go n.runMimicryAcceptor()
	}

	return n, nil
}

// LocalEndpoint reports the node's bound listen address, or nil if it was
// not configured to listen.
func (n *Node) LocalEndpoint() net.Addr {
	if n.sharedTx != nil {
		return n.sharedTx.LocalEndpoint()
	}
	if n.mimicryLn != nil {
		return n.mimicryLn.Addr()
	}
	return nil
}

// Health reports the node's current resource-pressure status.
func (n *Node) Health() *health.Monitor { return n.health }

// runSharedReader services the single shared socket used when no mimicry
// carrier is configured: every inbound datagram is demultiplexed by remote
// address to an established session, an in-flight handshake, or treated as
// a brand new inbound HANDSHAKE_MSG1.
func (n *Node) runSharedReader() {
	defer n.wg.Done()
	for {
		payload, from, err := n.sharedTx.ReceiveDatagram(n.ctx)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			n.logger.Warn("shared transport receive error", logging.KeyError, err.Error())
			continue
		}
		n.dispatchShared(from, payload)
	}
}

func (n *Node) dispatchShared(from net.Addr, payload []byte) {
	key := from.String()

	n.mu.Lock()
	sess, established := n.byAddr[key]
	inCh, awaitingReply := n.pendingIn[key]
	outCh, awaitingThird := n.pendingOut[key]
	n.mu.Unlock()

	switch {
	case established:
		sess.handleRaw(payload, from)
	case awaitingReply:
		select {
		case inCh <- payload:
		default:
		}
	case awaitingThird:
		select {
		case outCh <- payload:
		default:
		}
	default:
		if sess := n.matchByCID(payload); sess != nil {
			sess.handleRaw(payload, from)
			return
		}
		n.handleInboundHandshake(from, payload)
	}
}

// matchByCID scans registered connections for one whose layout can decode
// payload's CID prefix. Used for migration probes that arrive from an
// address the node hasn't seen before for that session.
func (n *Node) matchByCID(payload []byte) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sess := range n.byAddr {
		if sess.conn.MatchesCIDPrefix(payload) {
			return sess
		}
	}
	return nil
}

// runMimicryAcceptor services a carrier listener (WebSocket/TLS mimicry)
// where every accepted connection already has its own dedicated
// transport: no remote-address demux is needed, each session simply reads
// its own transport.
func (n *Node) runMimicryAcceptor() {
	defer n.wg.Done()
	for {
		tx, err := n.mimicryLn.Accept(n.ctx)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			n.logger.Warn("mimicry accept error", logging.KeyError, err.Error())
			continue
		}
		n.wg.Add(1)
		go n.handleDedicatedInbound(tx)
	}
}

func (n *Node) handleDedicatedInbound(tx transport.PacketTransport) {
	defer n.wg.Done()
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HandshakeTimeout)
	defer cancel()

	payload, from, err := tx.ReceiveDatagram(ctx)
	if err != nil {
		tx.Close()
		return
	}
	if !n.admitFrom(from) {
		wraitherr.NormalizeTiming()
		tx.Close()
		return
	}
	if err := handshake.VerifyMessage1(n.cfg.Identity, payload, time.Now()); err != nil {
		wraitherr.NormalizeTiming()
		tx.Close()
		return
	}
	sess, err := n.completeResponderHandshake(ctx, tx, from, payload, false)
	if err != nil {
		n.logger.Debug("dedicated handshake failed", logging.KeyError, err.Error())
		tx.Close()
		return
	}
	select {
	case n.acceptCh <- sess:
	case <-n.ctx.Done():
		sess.Close(0)
	}
}

func (n *Node) admitFrom(addr net.Addr) bool {
	if !n.rateLimit.Allow(addr, time.Now()) {
		return false
	}
	return n.health.AdmitSession()
}

func (n *Node) handleInboundHandshake(from net.Addr, msg1 []byte) {
	if !n.admitFrom(from) {
		wraitherr.NormalizeTiming()
		metrics.Default().HandshakeError("admission_refused")
		return
	}
	if err := handshake.VerifyMessage1(n.cfg.Identity, msg1, time.Now()); err != nil {
		wraitherr.NormalizeTiming()
		metrics.Default().HandshakeError("invalid_message1")
		return
	}

	key := from.String()
	ch := make(chan []byte, 1)
	n.mu.Lock()
	n.pendingOut[key] = ch
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.pendingOut, key)
			n.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HandshakeTimeout)
		defer cancel()

		start := time.Now()
		sess, err := n.completeResponderHandshakeShared(ctx, from, msg1, ch)
		if err != nil {
			n.logger.Debug("inbound handshake failed", logging.KeyError, err.Error())
			metrics.Default().HandshakeError("responder_exchange_failed")
			return
		}
		metrics.Default().Handshake(time.Since(start).Seconds())
		select {
		case n.acceptCh <- sess:
		case <-n.ctx.Done():
			sess.Close(0)
		}
	}()
}

// completeResponderHandshakeShared drives message2/message3 over the
// shared socket, waiting for message 3 on ch.
func (n *Node) completeResponderHandshakeShared(ctx context.Context, from net.Addr, msg1 []byte, msg3Ch chan []byte) (*Session, error) {
	responder, pqCT, err := handshake.NewResponder(n.cfg.Identity, n.cfg.Suite, msg1)
	if err != nil {
		return nil, fmt.Errorf("node: build responder: %w", err)
	}
	if ticket := responder.ResumptionTicket(); len(ticket) > 0 {
		n.tryRedeemTicket(ticket)
	}
	msg2, err := responder.BuildMessage2(pqCT)
	if err != nil {
		return nil, fmt.Errorf("node: build message2: %w", err)
	}
	if err := n.sharedTx.SendDatagram(ctx, from, msg2); err != nil {
		return nil, fmt.Errorf("node: send message2: %w", err)
	}

	var msg3 []byte
	select {
	case msg3 = <-msg3Ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("node: handshake timed out waiting for message3: %w", ctx.Err())
	}

	verifier, remoteStatic, err := responder.ConsumeMessage3(msg3)
	if err != nil {
		return nil, fmt.Errorf("node: consume message3: %w", err)
	}
	result := responder.Finish()

	sess, err := n.buildSession(result, verifier, remoteStatic, false, n.sharedTx, from)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.byAddr[from.String()] = sess
	n.mu.Unlock()

	return sess, nil
}

// completeResponderHandshake drives the same exchange over a dedicated
// per-connection transport (mimicry carriers): message3 is simply the next
// datagram read from tx, no pending-map bookkeeping required.
func (n *Node) completeResponderHandshake(ctx context.Context, tx transport.PacketTransport, from net.Addr, msg1 []byte, _ bool) (*Session, error) {
	responder, pqCT, err := handshake.NewResponder(n.cfg.Identity, n.cfg.Suite, msg1)
	if err != nil {
		return nil, fmt.Errorf("node: build responder: %w", err)
	}
	if ticket := responder.ResumptionTicket(); len(ticket) > 0 {
		n.tryRedeemTicket(ticket)
	}
	msg2, err := responder.BuildMessage2(pqCT)
	if err != nil {
		return nil, fmt.Errorf("node: build message2: %w", err)
	}
	if err := tx.SendDatagram(ctx, from, msg2); err != nil {
		return nil, fmt.Errorf("node: send message2: %w", err)
	}

	msg3, _, err := tx.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("node: receive message3: %w", err)
	}

	verifier, remoteStatic, err := responder.ConsumeMessage3(msg3)
	if err != nil {
		return nil, fmt.Errorf("node: consume message3: %w", err)
	}
	result := responder.Finish()

	return n.buildSession(result, verifier, remoteStatic, false, tx, from)
}

func (n *Node) tryRedeemTicket(raw []byte) {
	t, err := resumption.Validate(n.cfg.TicketKey, raw)
	if err != nil {
		return
	}
	if err := n.tickets.Redeem(t); err != nil {
		n.logger.Debug("resumption ticket replay rejected", logging.KeyError, err.Error())
	}
}

func (n *Node) buildSession(result *handshake.Result, verifier *suite.Verifier, remoteStatic [32]byte, isDialer bool, tx transport.PacketTransport, path net.Addr) (*Session, error) {
	_ = verifier // verified during ConsumeMessage2/3; retained by caller for logging if desired

	params, err := suite.Lookup(result.Suite)
	if err != nil {
		return nil, err
	}

	sessionKeys := ratchet.New(params.AEAD, result.SendKey, result.RecvKey, n.cfg.Identity.PublicKey, remoteStatic)
	mgr := streammux.NewManager(n.cfg.Streams, isDialer)

	var cid connection.CID
	if _, err := cryptoRandRead(cid[:]); err != nil {
		return nil, fmt.Errorf("node: generate cid: %w", err)
	}

	connCfg := connection.Config{
		LocalID:    identity.AgentIDFromPublicKey(n.cfg.Identity.PublicKey),
		RemoteID:   identity.AgentIDFromPublicKey(remoteStatic),
		CID:        cid,
		FormatSeed: result.FormatSeed,
		Session:    sessionKeys,
		Streams:    mgr,
		Transport:  tx,
		Reliable:   tx.Characteristics().Reliable,
		Path:       path,
	}
	conn := connection.New(connCfg)
	n.registry.Register(conn)

	sess := newSession(n, conn, result, remoteStatic)
	sess.start()
	return sess, nil
}

// Connect dials a peer whose static public key is already known and drives
// the initiator side of the handshake to completion.
func (n *Node) Connect(ctx context.Context, peerStatic [32]byte, endpoint string, resumptionTicket []byte) (*Session, error) {
	select {
	case <-n.ctx.Done():
		return nil, ErrClosed
	default:
	}

	init, err := handshake.NewInitiator(n.cfg.Identity, peerStatic, n.cfg.Suite, resumptionTicket)
	if err != nil {
		return nil, fmt.Errorf("node: build initiator: %w", err)
	}
	msg1, err := init.BuildMessage1()
	if err != nil {
		return nil, fmt.Errorf("node: build message1: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	var sess *Session
	if n.cfg.Profile.Mimicry == obfuscate.MimicryNone {
		sess, err = n.connectShared(ctx, endpoint, peerStatic, init, msg1)
	} else {
		sess, err = n.connectDedicated(ctx, endpoint, peerStatic, init, msg1)
	}
	if err != nil {
		metrics.Default().HandshakeError("initiator_exchange_failed")
		return nil, err
	}
	metrics.Default().Handshake(time.Since(start).Seconds())
	return sess, nil
}

func (n *Node) connectShared(ctx context.Context, endpoint string, peerStatic [32]byte, init *handshake.Initiator, msg1 []byte) (*Session, error) {
	if n.sharedTx == nil {
		tx, err := transport.NewUDPPacketTransport("")
		if err != nil {
			return nil, fmt.Errorf("node: bind outbound socket: %w", err)
		}
		n.sharedTx = tx
		n.wg.Add(1)
		go n.runSharedReader()
	}

	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("node: resolve endpoint: %w", err)
	}

	key := addr.String()
	ch := make(chan []byte, 1)
	n.mu.Lock()
	n.pendingIn[key] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingIn, key)
		n.mu.Unlock()
	}()

	if err := n.sharedTx.SendDatagram(ctx, addr, msg1); err != nil {
		return nil, fmt.Errorf("node: send message1: %w", err)
	}

	var msg2 []byte
	select {
	case msg2 = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("node: handshake timed out waiting for message2: %w", ctx.Err())
	}

	verifier, err := init.ConsumeMessage2(msg2)
	if err != nil {
		return nil, fmt.Errorf("node: consume message2: %w", err)
	}
	msg3, err := init.BuildMessage3()
	if err != nil {
		return nil, fmt.Errorf("node: build message3: %w", err)
	}
	if err := n.sharedTx.SendDatagram(ctx, addr, msg3); err != nil {
		return nil, fmt.Errorf("node: send message3: %w", err)
	}

	result := init.Finish(verifier, peerStatic)
	sess, err := n.buildSession(result, verifier, peerStatic, true, n.sharedTx, addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.byAddr[key] = sess
	n.mu.Unlock()
	return sess, nil
}

func (n *Node) connectDedicated(ctx context.Context, endpoint string, peerStatic [32]byte, init *handshake.Initiator, msg1 []byte) (*Session, error) {
	tx, err := obfuscate.Dial(ctx, n.cfg.Profile, endpoint, n.cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("node: dial: %w", err)
	}

	remote := tx.LocalEndpoint() // placeholder path identity; overwritten below once resolved
	if a, err := net.ResolveUDPAddr("udp", endpoint); err == nil {
		remote = a
	}

	if err := tx.SendDatagram(ctx, remote, msg1); err != nil {
		tx.Close()
		return nil, fmt.Errorf("node: send message1: %w", err)
	}

	msg2, _, err := tx.ReceiveDatagram(ctx)
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("node: receive message2: %w", err)
	}
	verifier, err := init.ConsumeMessage2(msg2)
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("node: consume message2: %w", err)
	}
	msg3, err := init.BuildMessage3()
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("node: build message3: %w", err)
	}
	if err := tx.SendDatagram(ctx, remote, msg3); err != nil {
		tx.Close()
		return nil, fmt.Errorf("node: send message3: %w", err)
	}

	result := init.Finish(verifier, peerStatic)
	return n.buildSession(result, verifier, peerStatic, true, tx, remote)
}

// Accept blocks until an inbound session completes its handshake.
func (n *Node) Accept(ctx context.Context) (*Session, error) {
	select {
	case sess := <-n.acceptCh:
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrClosed
	}
}

// remapPath updates the shared-transport demux table so future datagrams
// arriving from newAddr reach sess directly, used once a migration or CID
// rotation has confirmed a new network path.
func (n *Node) remapPath(sess *Session, newAddr net.Addr) {
	if newAddr == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, s := range n.byAddr {
		if s == sess && addr != newAddr.String() {
			delete(n.byAddr, addr)
		}
	}
	n.byAddr[newAddr.String()] = sess
}

// forget removes a session from the node's demux tables on close.
func (n *Node) forget(sess *Session) {
	n.registry.Remove(sess.conn)
	n.mu.Lock()
	for addr, s := range n.byAddr {
		if s == sess {
			delete(n.byAddr, addr)
		}
	}
	n.mu.Unlock()
}

// Shutdown tears down every session and releases listening resources.
func (n *Node) Shutdown() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.mu.Lock()
		sessions := make([]*Session, 0, len(n.byAddr))
		seen := make(map[*Session]struct{})
		for _, s := range n.byAddr {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			sessions = append(sessions, s)
		}
		n.mu.Unlock()
		for _, s := range sessions {
			s.Close(0)
		}
		if n.sharedTx != nil {
			err = n.sharedTx.Close()
		}
		if n.mimicryLn != nil {
			if e := n.mimicryLn.Close(); e != nil && err == nil {
				err = e
			}
		}
		n.wg.Wait()
	})
	return err
}
