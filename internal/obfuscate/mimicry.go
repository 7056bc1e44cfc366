package obfuscate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/wraith-project/wraith/internal/transport"
)

// MimicryKind selects the outer-protocol carrier a connection's packets
// are wrapped in before hitting the wire. Mimicry is a
// transport-layer concern: the inner WRAITH packet handed to Dial is
// already indistinguishable from random, so wrapping it only needs to
// get the carrier's framing and handshake right, not re-encrypt anything.
type MimicryKind uint8

const (
	// MimicryNone dials a bare UDP or QUIC datagram path with no carrier.
	MimicryNone MimicryKind = iota
	// MimicryWebSocket tunnels datagrams as WebSocket binary frames over
	// TLS; Profile.Fingerprint is not applied to this carrier.
	MimicryWebSocket
	// MimicryTLS wraps the datagram stream directly in a uTLS connection
	// fingerprinted per Profile.Fingerprint, with no additional framing
	// protocol on top.
	MimicryTLS
)

func (k MimicryKind) String() string {
	switch k {
	case MimicryNone:
		return "none"
	case MimicryWebSocket:
		return "websocket"
	case MimicryTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Profile bundles the decisions that together make a session look like
// a specific kind of ordinary traffic: which carrier protocol wraps
// packets, which TLS fingerprint that carrier's handshake presents, and
// which entropy-normalization Carrier re-shapes the encrypted payload
// before it's handed to the carrier protocol. These three are
// independent of each other: which carrier protocol is used on the
// wire is orthogonal to how the payload's byte distribution is shaped.
type Profile struct {
	Mimicry     MimicryKind
	Fingerprint transport.FingerprintPreset
	Entropy     CarrierKind
	WSPath      string // URL path for MimicryWebSocket, default "/mesh" if empty
}

// DefaultProfile disables both mimicry and entropy normalization: the
// outer packet goes straight over UDP/QUIC, relying on its own
// masked-sequence-field design for unlinkability rather than imitating
// another protocol.
func DefaultProfile() Profile {
	return Profile{Mimicry: MimicryNone, Fingerprint: transport.FingerprintDisabled, Entropy: CarrierNone}
}

// Dial establishes addr as a transport.PacketTransport shaped per
// profile. For MimicryNone the caller should dial UDP or QUIC directly
// (transport.NewUDPPacketTransport / transport.DialQUICDatagram); Dial
// only handles the carrier protocols that need a TLS/WebSocket
// handshake first.
func Dial(ctx context.Context, profile Profile, addr string, tlsConfig *tls.Config) (transport.PacketTransport, error) {
	switch profile.Mimicry {
	case MimicryWebSocket:
		return dialWebSocket(ctx, profile, addr, tlsConfig)
	case MimicryTLS:
		return dialTLS(ctx, profile, addr, tlsConfig)
	default:
		return nil, fmt.Errorf("obfuscate: Dial does not handle mimicry kind %v; dial UDP/QUIC directly", profile.Mimicry)
	}
}

func dialWebSocket(ctx context.Context, profile Profile, addr string, tlsConfig *tls.Config) (transport.PacketTransport, error) {
	path := profile.WSPath
	if path == "" {
		path = "/mesh"
	}
	scheme := "wss"
	if tlsConfig == nil {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, path)

	opts := &websocket.DialOptions{}
	if tlsConfig != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
	}

	// nhooyr.io/websocket dials its TLS handshake through http.Client's
	// own transport, so a uTLS fingerprint (which needs to own the raw
	// handshake) can't be layered underneath an Upgrade request here;
	// profile.Fingerprint only takes effect for MimicryTLS.
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: websocket mimicry dial: %w", err)
	}
	local := &net.TCPAddr{}
	remote := &net.TCPAddr{}
	return transport.NewWebSocketDatagramTransport(ctx, conn, local, remote), nil
}

func dialTLS(ctx context.Context, profile Profile, addr string, tlsConfig *tls.Config) (transport.PacketTransport, error) {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	conn, err := transport.DialUTLS(ctx, "tcp", addr, tlsConfig, string(profile.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("obfuscate: tls mimicry dial: %w", err)
	}
	if conn == nil {
		// Fingerprinting disabled for this preset; fall back to standard TLS.
		stdConn, dialErr := tls.Dial("tcp", addr, tlsConfig)
		if dialErr != nil {
			return nil, fmt.Errorf("obfuscate: tls mimicry fallback dial: %w", dialErr)
		}
		conn = stdConn
	}
	return transport.NewFramedStreamDatagramTransport(conn, conn.LocalAddr(), conn.RemoteAddr()), nil
}

// Listener accepts inbound connections shaped per the Profile a Listen
// call was given, handing each one back as a transport.PacketTransport
// ready for the handshake layer.
type Listener interface {
	Accept(ctx context.Context) (transport.PacketTransport, error)
	Addr() net.Addr
	Close() error
}

// Listen starts accepting addr as a mimicry-shaped listener. For
// MimicryNone the caller should listen on UDP or QUIC directly
// (transport.NewUDPPacketTransport / transport.ListenQUICDatagram);
// Listen only handles the carrier protocols that need a TLS/WebSocket
// accept step before a PacketTransport exists.
func Listen(profile Profile, addr string, tlsConfig *tls.Config) (Listener, error) {
	switch profile.Mimicry {
	case MimicryWebSocket:
		return listenWebSocket(profile, addr, tlsConfig)
	case MimicryTLS:
		return listenTLS(profile, addr, tlsConfig)
	default:
		return nil, fmt.Errorf("obfuscate: Listen does not handle mimicry kind %v; listen on UDP/QUIC directly", profile.Mimicry)
	}
}

// wsListener serves WebSocket upgrade requests on an HTTP server and
// hands each accepted connection to Accept, the listen-side mirror of
// dialWebSocket. Grounded on the same net/http.Server plus
// websocket.Accept pattern used for WRAITH's older stream-oriented
// WebSocket transport.
type wsListener struct {
	netLn   net.Listener
	server  *http.Server
	connCh  chan *websocket.Conn
	closeCh chan struct{}
}

func listenWebSocket(profile Profile, addr string, tlsConfig *tls.Config) (Listener, error) {
	path := profile.WSPath
	if path == "" {
		path = "/mesh"
	}

	l := &wsListener{
		connCh:  make(chan *websocket.Conn),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: websocket mimicry listen: %w", err)
	}
	l.netLn = ln

	go func() {
		if tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "listener closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (transport.PacketTransport, error) {
	select {
	case conn := <-l.connCh:
		local := &net.TCPAddr{}
		remote := &net.TCPAddr{}
		return transport.NewWebSocketDatagramTransport(ctx, conn, local, remote), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("obfuscate: websocket mimicry listener closed")
	}
}

func (l *wsListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *wsListener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	l.server.Close()
	return nil
}

// tlsListener accepts bare uTLS/TLS connections and wraps each one as a
// framed-stream PacketTransport, the listen-side mirror of dialTLS.
type tlsListener struct {
	netLn net.Listener
}

func listenTLS(profile Profile, addr string, tlsConfig *tls.Config) (Listener, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("obfuscate: tls mimicry listen requires a tls.Config with a server certificate")
	}
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: tls mimicry listen: %w", err)
	}
	return &tlsListener{netLn: ln}, nil
}

func (l *tlsListener) Accept(ctx context.Context) (transport.PacketTransport, error) {
	conn, err := l.netLn.Accept()
	if err != nil {
		return nil, fmt.Errorf("obfuscate: tls mimicry accept: %w", err)
	}
	return transport.NewFramedStreamDatagramTransport(conn, conn.LocalAddr(), conn.RemoteAddr()), nil
}

func (l *tlsListener) Addr() net.Addr { return l.netLn.Addr() }
func (l *tlsListener) Close() error   { return l.netLn.Close() }
