package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"nhooyr.io/websocket"
)

// Characteristics describes what a PacketTransport promises about the
// datagrams it carries, so the congestion controller and obfuscation
// layer above it can adapt: a raw UDP path drops and reorders; a
// WebSocket or HTTP/2 carrier rides over TCP and so is already reliable
// and ordered, which the BBR-style estimator must not mistake for a
// congestion signal of its own.
type Characteristics struct {
	// Reliable reports whether the underlying carrier already retransmits
	// lost data (true for the WS/H2 carriers, false for raw UDP and QUIC
	// datagrams).
	Reliable bool

	// Ordered reports whether the carrier preserves send order.
	Ordered bool

	// MaxDatagramSize is the largest payload SendDatagram accepts without
	// fragmenting at this layer.
	MaxDatagramSize int
}

// PacketTransport is the datagram-oriented contract WRAITH's own framing,
// congestion control, and stream multiplexer are built on. It sits
// below wireframe.OuterPacket: every SendDatagram call
// carries exactly one outer packet, and every ReceiveDatagram call
// returns exactly one.
type PacketTransport interface {
	// SendDatagram transmits one datagram to the transport's fixed peer
	// (for connection-oriented carriers) or to addr (for raw UDP, where a
	// single socket serves many peers).
	SendDatagram(ctx context.Context, addr net.Addr, payload []byte) error

	// ReceiveDatagram blocks until the next datagram arrives, returning
	// its payload and the address it arrived from.
	ReceiveDatagram(ctx context.Context) (payload []byte, from net.Addr, err error)

	// LocalEndpoint returns the local address this transport is bound to.
	LocalEndpoint() net.Addr

	// Close releases the transport's resources.
	Close() error

	// Characteristics reports this transport's reliability properties.
	Characteristics() Characteristics
}

// UDPPacketTransport is the primary WRAITH carrier: a bare UDP socket,
// unreliable and unordered, giving the congestion and ratchet layers
// above it full control over retransmission and pacing.
type UDPPacketTransport struct {
	conn *net.UDPConn
}

// NewUDPPacketTransport binds a UDP socket at addr ("" or ":0" picks an
// ephemeral port).
func NewUDPPacketTransport(addr string) (*UDPPacketTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	return &UDPPacketTransport{conn: conn}, nil
}

func (t *UDPPacketTransport) SendDatagram(_ context.Context, addr net.Addr, payload []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: UDPPacketTransport requires a *net.UDPAddr, got %T", addr)
	}
	_, err := t.conn.WriteToUDP(payload, udpAddr)
	return err
}

func (t *UDPPacketTransport) ReceiveDatagram(ctx context.Context) ([]byte, net.Addr, error) {
	buf := make([]byte, 65535)
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

func (t *UDPPacketTransport) LocalEndpoint() net.Addr { return t.conn.LocalAddr() }

func (t *UDPPacketTransport) Close() error { return t.conn.Close() }

func (t *UDPPacketTransport) Characteristics() Characteristics {
	return Characteristics{Reliable: false, Ordered: false, MaxDatagramSize: 1452}
}

// QUICDatagramTransport rides the unreliable QUIC DATAGRAM extension over
// a single established QUIC connection, for paths where raw UDP is
// blocked but a QUIC-speaking middlebox lets traffic through.
type QUICDatagramTransport struct {
	conn   quic.Connection
	peer   net.Addr
	closed chan struct{}
	once   sync.Once
}

// DialQUICDatagram establishes a QUIC connection to addr with the
// datagram extension enabled and wraps it as a PacketTransport.
func DialQUICDatagram(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICDatagramTransport, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("transport: TLS config required for QUIC datagram dial")
	}
	cfg := &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		EnableDatagrams: true,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: quic datagram dial: %w", err)
	}
	return &QUICDatagramTransport{conn: conn, peer: conn.RemoteAddr(), closed: make(chan struct{})}, nil
}

// ListenQUICDatagram accepts a single incoming QUIC connection with the
// datagram extension enabled and wraps it as a PacketTransport.
func ListenQUICDatagram(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICDatagramTransport, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("transport: TLS config required for QUIC datagram listen")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}
	cfg := &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		EnableDatagrams: true,
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: quic datagram listen: %w", err)
	}
	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic datagram accept: %w", err)
	}
	return &QUICDatagramTransport{conn: conn, peer: conn.RemoteAddr(), closed: make(chan struct{})}, nil
}

func (t *QUICDatagramTransport) SendDatagram(_ context.Context, _ net.Addr, payload []byte) error {
	return t.conn.SendDatagram(payload)
}

func (t *QUICDatagramTransport) ReceiveDatagram(ctx context.Context) ([]byte, net.Addr, error) {
	payload, err := t.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, nil, err
	}
	return payload, t.peer, nil
}

func (t *QUICDatagramTransport) LocalEndpoint() net.Addr { return t.conn.LocalAddr() }

func (t *QUICDatagramTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.CloseWithError(0, "closed")
}

func (t *QUICDatagramTransport) Characteristics() Characteristics {
	return Characteristics{Reliable: false, Ordered: false, MaxDatagramSize: 1200}
}

// FramedStreamDatagramTransport turns any reliable, ordered byte stream
// (a WebSocket connection, an HTTP/2 stream) into a PacketTransport by
// length-prefixing each datagram. Used for the obfuscation layer's
// WebSocket and HTTP/2 mimicry carriers, where the underlying transport
// is already reliable and the BBR estimator above must be told so.
type FramedStreamDatagramTransport struct {
	rw    io.ReadWriteCloser
	peer  net.Addr
	local net.Addr
	mu    sync.Mutex
}

// NewFramedStreamDatagramTransport wraps rw (already connected) as a
// PacketTransport.
func NewFramedStreamDatagramTransport(rw io.ReadWriteCloser, local, peer net.Addr) *FramedStreamDatagramTransport {
	return &FramedStreamDatagramTransport{rw: rw, local: local, peer: peer}
}

func (t *FramedStreamDatagramTransport) SendDatagram(_ context.Context, _ net.Addr, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("transport: framed datagram exceeds 65535 bytes")
	}
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(payload)))
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.rw.Write(header[:]); err != nil {
		return err
	}
	_, err := t.rw.Write(payload)
	return err
}

func (t *FramedStreamDatagramTransport) ReceiveDatagram(_ context.Context) ([]byte, net.Addr, error) {
	var header [2]byte
	if _, err := io.ReadFull(t.rw, header[:]); err != nil {
		return nil, nil, err
	}
	n := binary.BigEndian.Uint16(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.rw, buf); err != nil {
		return nil, nil, err
	}
	return buf, t.peer, nil
}

func (t *FramedStreamDatagramTransport) LocalEndpoint() net.Addr { return t.local }

func (t *FramedStreamDatagramTransport) Close() error { return t.rw.Close() }

func (t *FramedStreamDatagramTransport) Characteristics() Characteristics {
	return Characteristics{Reliable: true, Ordered: true, MaxDatagramSize: 65535}
}

// NewWebSocketDatagramTransport wraps an established WebSocket connection
// as a PacketTransport, framing each SendDatagram as one binary message
// (the 2-byte length prefix used elsewhere is unnecessary here since
// WebSocket already delimits messages, but FramedStreamDatagramTransport
// is reused for the byte-stream case above; this path talks to the
// message-oriented API directly instead).
type WebSocketDatagramTransport struct {
	conn  *websocket.Conn
	ctx   context.Context
	peer  net.Addr
	local net.Addr
}

func NewWebSocketDatagramTransport(ctx context.Context, conn *websocket.Conn, local, peer net.Addr) *WebSocketDatagramTransport {
	return &WebSocketDatagramTransport{conn: conn, ctx: ctx, local: local, peer: peer}
}

func (t *WebSocketDatagramTransport) SendDatagram(ctx context.Context, _ net.Addr, payload []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (t *WebSocketDatagramTransport) ReceiveDatagram(ctx context.Context) ([]byte, net.Addr, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	return data, t.peer, nil
}

func (t *WebSocketDatagramTransport) LocalEndpoint() net.Addr { return t.local }

func (t *WebSocketDatagramTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "closed")
}

func (t *WebSocketDatagramTransport) Characteristics() Characteristics {
	return Characteristics{Reliable: true, Ordered: true, MaxDatagramSize: 1 << 20}
}
