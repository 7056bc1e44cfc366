// Package handshake implements the WRAITH three-message mutually
// authenticated key exchange: an extended Noise-XX-style pattern with
// probing resistance on message 1 and identity hiding on messages 2/3.
//
// The package keeps no lifecycle state enum of its own: the caller drives
// Initiator and Responder message by message and builds a connection from
// the Result once the exchange finishes.
package handshake

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/suite"
)

const (
	// Version is the only handshake wire version this implementation speaks.
	Version byte = 0x02

	proofDomain = "wraith-proof-v2"

	// MaxTimestampSkew bounds how far message 1's timestamp may drift from
	// the responder's clock before it is silently dropped.
	MaxTimestampSkew = 60 * time.Second

	msg1FixedLen = 1 + 8 + 16 + 32 // version + timestamp + nonce + proof
)

// ErrSilentDrop marks a handshake failure that must not produce any
// response on the wire (probing resistance): invalid proof, timestamp out
// of window, version mismatch, or an AEAD failure before data has flowed.
var ErrSilentDrop = errors.New("handshake: silently dropped")

var (
	errShortMessage = fmt.Errorf("%w: message too short", ErrSilentDrop)
	errBadVersion   = fmt.Errorf("%w: version mismatch", ErrSilentDrop)
	errBadTimestamp = fmt.Errorf("%w: timestamp out of window", ErrSilentDrop)
	errBadProof     = fmt.Errorf("%w: invalid proof", ErrSilentDrop)
	errBadAEAD      = fmt.Errorf("%w: aead authentication failure", ErrSilentDrop)
)

// Result holds everything a session needs once the handshake completes.
type Result struct {
	Suite            suite.ID
	TranscriptHash   []byte
	SendKey          []byte // directional key for frames this side sends
	RecvKey          []byte // directional key for frames this side receives
	RemoteStaticKey  [32]byte
	RemoteSigningKey []byte // Ed25519 public key, optionally || ML-DSA-65 public key

	// FormatSeed, PaddingSeed, and TimingSeed are derived from the master
	// secret alongside the directional keys: the polymorphic wire layout,
	// the padding-size sampler, and the timing-shaping sampler each need a
	// seed both sides agree on without transmitting it, and mixing it into
	// the same KDF chain as the directional keys keeps all of a session's
	// derived secrets tied to the one transcript hash that authenticates
	// this handshake.
	FormatSeed  []byte
	PaddingSeed []byte
	TimingSeed  []byte
}

// deriveObfuscationSeeds fills in the three wire-obfuscation seeds shared
// by both Initiator.Finish and Responder.Finish.
func deriveObfuscationSeeds(master []byte) (formatSeed, paddingSeed, timingSeed []byte) {
	return suite.KDF(master, nil, []byte("wire-format"), 32),
		suite.KDF(master, nil, []byte("padding"), 32),
		suite.KDF(master, nil, []byte("timing"), 32)
}

// symmetricState tracks the running chaining key and transcript hash, in
// the manner of Noise's SymmetricState, but simplified: every mixKey call
// folds new key material into the chain; message keys are derived as
// snapshots of the chain at the point they're needed rather than via a
// two-output HKDF split.
type symmetricState struct {
	ck []byte
	h  []byte
}

func newSymmetricState() *symmetricState {
	h := suite.Sum([]byte("wraith-handshake-v2"))
	return &symmetricState{ck: h, h: append([]byte(nil), h...)}
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = suite.Sum(s.h, data)
}

func (s *symmetricState) mixKey(ikm []byte) {
	s.ck = suite.KDF(s.ck, ikm, []byte("chain"), 32)
}

func (s *symmetricState) messageKey(label string) []byte {
	return suite.KDF(s.ck, []byte(label), s.h, 32)
}

// Initiator drives the caller side of a handshake for which the remote
// static public key is already known (per the Session API's
// connect(peer_static_pk, ...) contract).
type Initiator struct {
	local          *identity.Keypair
	remoteStatic   [32]byte
	suiteID        suite.ID
	params         suite.Params
	sym            *symmetricState
	ephPriv        [32]byte
	ephPub         [32]byte
	nonce          [16]byte
	timestamp      int64
	pqKEMPriv      kem.PrivateKey
	pqSharedSecret []byte
	remoteEphPub   [32]byte
	resumeTicket   []byte
}

// NewInitiator begins a handshake to a peer whose static public key is
// already known out of band.
func NewInitiator(local *identity.Keypair, remoteStatic [32]byte, suiteID suite.ID, resumptionTicket []byte) (*Initiator, error) {
	params, err := suite.Lookup(suiteID)
	if err != nil {
		return nil, err
	}
	i := &Initiator{
		local:        local,
		remoteStatic: remoteStatic,
		suiteID:      suiteID,
		params:       params,
		sym:          newSymmetricState(),
		resumeTicket: resumptionTicket,
	}
	if _, err := io.ReadFull(randReader, i.ephPriv[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	i.ephPriv[0] &= 248
	i.ephPriv[31] &= 127
	i.ephPriv[31] |= 64
	pub, err := suite.X25519ScalarBaseMult(i.ephPriv)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive ephemeral public key: %w", err)
	}
	i.ephPub = pub
	return i, nil
}

// BuildMessage1 encodes message 1: the bit-exact proof-of-knowledge probe.
func (i *Initiator) BuildMessage1() ([]byte, error) {
	if _, err := io.ReadFull(randReader, i.nonce[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	i.timestamp = nowUnix()

	proof := computeProof(i.remoteStatic, i.timestamp, i.nonce)

	encodedEph := suite.EncodeRandomLooking(i.ephPub, i.nonce[:])

	buf := make([]byte, 0, msg1FixedLen+32+512)
	buf = append(buf, Version)
	buf = appendUint64(buf, uint64(i.timestamp))
	buf = append(buf, i.nonce[:]...)
	buf = append(buf, proof...)
	buf = append(buf, encodedEph[:]...)

	if i.params.HybridKEM {
		pqPub, pqPriv, err := i.params.KEMScheme.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("handshake: generate kem keypair: %w", err)
		}
		i.pqKEMPriv = pqPriv
		pqPubBytes, err := pqPub.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("handshake: marshal kem public key: %w", err)
		}
		buf = appendUint16(buf, uint16(len(pqPubBytes)))
		buf = append(buf, pqPubBytes...)
	} else {
		buf = appendUint16(buf, 0)
	}

	buf = appendUint16(buf, uint16(len(i.resumeTicket)))
	buf = append(buf, i.resumeTicket...)

	i.sym.mixHash(buf)
	return buf, nil
}

// ConsumeMessage2 processes the responder's reply, deriving ee and es and
// decrypting the sealed responder static identity.
func (i *Initiator) ConsumeMessage2(data []byte) (*suite.Verifier, error) {
	if len(data) < 32+2 {
		return nil, errShortMessage
	}
	offset := 0
	var encodedEph [32]byte
	copy(encodedEph[:], data[offset:offset+32])
	offset += 32
	i.remoteEphPub = suite.DecodeRandomLooking(encodedEph, i.nonce[:])

	pqCTLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+pqCTLen > len(data) {
		return nil, errShortMessage
	}
	pqCT := data[offset : offset+pqCTLen]
	offset += pqCTLen

	if len(data) < offset+2 {
		return nil, errShortMessage
	}
	sealedLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+sealedLen > len(data) {
		return nil, errShortMessage
	}
	sealed := data[offset : offset+sealedLen]

	ee, err := suite.X25519(i.ephPriv, i.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute ee: %w", err)
	}
	i.sym.mixKey(ee[:])

	es, err := suite.X25519(i.ephPriv, i.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute es: %w", err)
	}
	i.sym.mixKey(es[:])

	if i.params.HybridKEM {
		if pqCTLen == 0 {
			return nil, fmt.Errorf("%w: missing kem ciphertext", ErrSilentDrop)
		}
		ss, err := i.params.KEMScheme.Decapsulate(i.pqKEMPriv, pqCT)
		if err != nil {
			return nil, fmt.Errorf("%w: kem decapsulation: %v", ErrSilentDrop, err)
		}
		i.pqSharedSecret = ss
	}

	msg2Key := i.sym.messageKey("msg2")
	i.sym.mixHash(data)

	remoteStaticBlob, err := open(msg2Key, sealed)
	if err != nil {
		return nil, errBadAEAD
	}
	remoteEdPub, remotePQPub, claimedStatic, err := decodeStaticBlobWithKey(remoteStaticBlob, i.params.PQSignature)
	if err != nil {
		return nil, err
	}
	if claimedStatic != i.remoteStatic {
		return nil, fmt.Errorf("%w: responder static key does not match connect() target", ErrSilentDrop)
	}

	if i.params.HybridKEM {
		i.sym.mixKey(i.pqSharedSecret)
	}

	return suite.NewVerifier(remoteEdPub, remotePQPub), nil
}

// BuildMessage3 encodes the final key-confirmation message, sealing the
// initiator's static identity and a key-confirmation tag.
func (i *Initiator) BuildMessage3() ([]byte, error) {
	sinitKey := i.sym.messageKey("msg3-static")

	staticBlob := encodeStaticBlob(i.local)
	sealedStatic := seal(sinitKey, staticBlob)

	se, err := suite.X25519(i.local.PrivateKey, i.remoteEphPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute se: %w", err)
	}
	i.sym.mixKey(se[:])

	confirmKey := i.sym.messageKey("msg3-confirm")
	confirmTag := seal(confirmKey, nil)

	buf := make([]byte, 0, 2+len(sealedStatic)+2+len(confirmTag))
	buf = appendUint16(buf, uint16(len(sealedStatic)))
	buf = append(buf, sealedStatic...)
	buf = appendUint16(buf, uint16(len(confirmTag)))
	buf = append(buf, confirmTag...)

	i.sym.mixHash(buf)
	return buf, nil
}

// Finish derives the directional session keys. Call after BuildMessage3.
func (i *Initiator) Finish(remoteVerifier *suite.Verifier, remoteStaticPub [32]byte) *Result {
	master := append([]byte(nil), i.sym.ck...)
	formatSeed, paddingSeed, timingSeed := deriveObfuscationSeeds(master)
	return &Result{
		Suite:           i.suiteID,
		TranscriptHash:  append([]byte(nil), i.sym.h...),
		SendKey:         suite.KDF(master, nil, []byte("i2r-data"), 32),
		RecvKey:         suite.KDF(master, nil, []byte("r2i-data"), 32),
		RemoteStaticKey: remoteStaticPub,
		FormatSeed:      formatSeed,
		PaddingSeed:     paddingSeed,
		TimingSeed:      timingSeed,
	}
}

// Responder drives the listening side of a handshake.
type Responder struct {
	local        *identity.Keypair
	suiteID      suite.ID
	params       suite.Params
	sym          *symmetricState
	ephPriv      [32]byte
	ephPub       [32]byte
	nonce        [16]byte
	initEphPub   [32]byte
	pqSS         []byte
	resumeTicket []byte
}

// VerifyMessage1 checks probing resistance: timestamp window and proof.
// On any failure it returns ErrSilentDrop (or a wrapped form of it) and the
// caller must not emit any response.
func VerifyMessage1(local *identity.Keypair, data []byte, now time.Time) error {
	if len(data) < msg1FixedLen {
		return errShortMessage
	}
	if data[0] != Version {
		return errBadVersion
	}
	ts := int64(binary.BigEndian.Uint64(data[1:9]))
	delta := now.Unix() - ts
	if delta > int64(MaxTimestampSkew.Seconds()) || delta < -int64(MaxTimestampSkew.Seconds()) {
		return errBadTimestamp
	}
	var nonce [16]byte
	copy(nonce[:], data[9:25])
	wantProof := computeProof(local.PublicKey, ts, nonce)
	gotProof := data[25:57]
	if !constantTimeEqual(wantProof, gotProof) {
		return errBadProof
	}
	return nil
}

// NewResponder begins processing an already-verified message 1.
func NewResponder(local *identity.Keypair, suiteID suite.ID, data []byte) (*Responder, []byte, error) {
	params, err := suite.Lookup(suiteID)
	if err != nil {
		return nil, nil, err
	}
	r := &Responder{local: local, suiteID: suiteID, params: params, sym: newSymmetricState()}

	copy(r.nonce[:], data[9:25])
	offset := msg1FixedLen

	var encodedEph [32]byte
	copy(encodedEph[:], data[offset:offset+32])
	offset += 32
	r.initEphPub = suite.DecodeRandomLooking(encodedEph, r.nonce[:])

	if offset+2 > len(data) {
		return nil, nil, errShortMessage
	}
	pqPubLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+pqPubLen > len(data) {
		return nil, nil, errShortMessage
	}
	pqPubBytes := data[offset : offset+pqPubLen]
	offset += pqPubLen

	if offset+2 > len(data) {
		return nil, nil, errShortMessage
	}
	ticketLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+ticketLen > len(data) {
		return nil, nil, errShortMessage
	}
	r.resumeTicket = data[offset : offset+ticketLen]

	r.sym.mixHash(data)

	if _, err := io.ReadFull(randReader, r.ephPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	r.ephPriv[0] &= 248
	r.ephPriv[31] &= 127
	r.ephPriv[31] |= 64
	pub, err := suite.X25519ScalarBaseMult(r.ephPriv)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: derive ephemeral public key: %w", err)
	}
	r.ephPub = pub

	var pqCT []byte
	if params.HybridKEM {
		if pqPubLen == 0 {
			return nil, nil, fmt.Errorf("%w: missing kem public key", ErrSilentDrop)
		}
		pqPub, err := params.KEMScheme.UnmarshalBinaryPublicKey(pqPubBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: kem public key: %v", ErrSilentDrop, err)
		}
		ct, ss, err := params.KEMScheme.Encapsulate(pqPub)
		if err != nil {
			return nil, nil, fmt.Errorf("handshake: kem encapsulate: %w", err)
		}
		r.pqSS = ss
		pqCT = ct
	}

	return r, pqCT, nil
}

// ResumptionTicket returns the opaque ticket bytes carried in message 1,
// if any.
func (r *Responder) ResumptionTicket() []byte { return r.resumeTicket }

// BuildMessage2 encodes the responder's reply, sealing its static identity.
func (r *Responder) BuildMessage2(pqCT []byte) ([]byte, error) {
	ee, err := suite.X25519(r.ephPriv, r.initEphPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute ee: %w", err)
	}
	r.sym.mixKey(ee[:])

	es, err := suite.X25519(r.local.PrivateKey, r.initEphPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute es: %w", err)
	}
	r.sym.mixKey(es[:])

	msg2Key := r.sym.messageKey("msg2")
	staticBlob := encodeStaticBlob(r.local)
	sealedStatic := seal(msg2Key, staticBlob)

	encodedEph := suite.EncodeRandomLooking(r.ephPub, r.nonce[:])

	buf := make([]byte, 0, 32+2+len(pqCT)+2+len(sealedStatic))
	buf = append(buf, encodedEph[:]...)
	buf = appendUint16(buf, uint16(len(pqCT)))
	buf = append(buf, pqCT...)
	buf = appendUint16(buf, uint16(len(sealedStatic)))
	buf = append(buf, sealedStatic...)

	r.sym.mixHash(buf)

	if r.params.HybridKEM {
		r.sym.mixKey(r.pqSS)
	}

	return buf, nil
}

// ConsumeMessage3 decrypts the initiator's static identity and verifies
// key confirmation. On failure the session must be torn down (this is
// past probing resistance: message 1 already succeeded).
func (r *Responder) ConsumeMessage3(data []byte) (*suite.Verifier, [32]byte, error) {
	var remoteStatic [32]byte
	if len(data) < 2 {
		return nil, remoteStatic, errShortMessage
	}
	offset := 0
	sealedLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+sealedLen > len(data) {
		return nil, remoteStatic, errShortMessage
	}
	sealedStatic := data[offset : offset+sealedLen]
	offset += sealedLen

	sinitKey := r.sym.messageKey("msg3-static")
	staticBlob, err := open(sinitKey, sealedStatic)
	if err != nil {
		return nil, remoteStatic, errBadAEAD
	}
	remoteEdPub, remotePQPub, remoteX25519, err := decodeStaticBlobWithKey(staticBlob, r.params.PQSignature)
	if err != nil {
		return nil, remoteStatic, err
	}
	remoteStatic = remoteX25519

	se, err := suite.X25519(r.ephPriv, remoteStatic)
	if err != nil {
		return nil, remoteStatic, fmt.Errorf("handshake: compute se: %w", err)
	}
	r.sym.mixKey(se[:])

	if offset+2 > len(data) {
		return nil, remoteStatic, errShortMessage
	}
	confirmLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+confirmLen > len(data) {
		return nil, remoteStatic, errShortMessage
	}
	confirmTag := data[offset : offset+confirmLen]

	confirmKey := r.sym.messageKey("msg3-confirm")
	if _, err := open(confirmKey, confirmTag); err != nil {
		return nil, remoteStatic, errBadAEAD
	}

	r.sym.mixHash(data)

	return suite.NewVerifier(remoteEdPub, remotePQPub), remoteStatic, nil
}

// Finish derives the directional session keys from the responder's side.
func (r *Responder) Finish() *Result {
	master := append([]byte(nil), r.sym.ck...)
	formatSeed, paddingSeed, timingSeed := deriveObfuscationSeeds(master)
	return &Result{
		Suite:          r.suiteID,
		TranscriptHash: append([]byte(nil), r.sym.h...),
		SendKey:        suite.KDF(master, nil, []byte("r2i-data"), 32),
		RecvKey:        suite.KDF(master, nil, []byte("i2r-data"), 32),
		FormatSeed:     formatSeed,
		PaddingSeed:    paddingSeed,
		TimingSeed:     timingSeed,
	}
}

func computeProof(responderStaticPK [32]byte, timestamp int64, nonce [16]byte) []byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	return suite.Sum(responderStaticPK[:], tsBuf[:], nonce[:], []byte(proofDomain))
}

// encodeStaticBlob packs a static identity into the wire form exchanged
// inside message 2/3: X25519 static public key, then Ed25519 public key,
// then an optional ML-DSA-65 public key.
func encodeStaticBlob(kp *identity.Keypair) []byte {
	buf := make([]byte, 0, 32+2+32+2+2048)
	buf = append(buf, kp.PublicKey[:]...)
	buf = appendUint16(buf, uint16(len(kp.SigningPublic)))
	buf = append(buf, kp.SigningPublic...)
	if kp.PQSignPublic != nil {
		pqBytes, _ := kp.PQSignPublic.MarshalBinary()
		buf = appendUint16(buf, uint16(len(pqBytes)))
		buf = append(buf, pqBytes...)
	} else {
		buf = appendUint16(buf, 0)
	}
	return buf
}

func decodeStaticBlobWithKey(blob []byte, requirePQ bool) (ed25519.PublicKey, *mldsa65.PublicKey, [32]byte, error) {
	x25519Pub, ed, pq, err := decodeStaticBlobFull(blob, requirePQ)
	return ed, pq, x25519Pub, err
}

// decodeStaticBlobFull parses the wire form written by encodeStaticBlob.
func decodeStaticBlobFull(blob []byte, requirePQ bool) ([32]byte, ed25519.PublicKey, *mldsa65.PublicKey, error) {
	var x25519Pub [32]byte
	if len(blob) < 32+2 {
		return x25519Pub, nil, nil, errShortMessage
	}
	copy(x25519Pub[:], blob[:32])
	offset := 32

	edLen := int(binary.BigEndian.Uint16(blob[offset:]))
	offset += 2
	if offset+edLen > len(blob) || edLen != ed25519.PublicKeySize {
		return x25519Pub, nil, nil, fmt.Errorf("%w: bad ed25519 key length", ErrSilentDrop)
	}
	edPub := ed25519.PublicKey(append([]byte(nil), blob[offset:offset+edLen]...))
	offset += edLen

	if offset+2 > len(blob) {
		return x25519Pub, nil, nil, errShortMessage
	}
	pqLen := int(binary.BigEndian.Uint16(blob[offset:]))
	offset += 2
	if offset+pqLen > len(blob) {
		return x25519Pub, nil, nil, errShortMessage
	}
	var pqPub *mldsa65.PublicKey
	if pqLen > 0 {
		var pk mldsa65.PublicKey
		if err := pk.UnmarshalBinary(blob[offset : offset+pqLen]); err != nil {
			return x25519Pub, nil, nil, fmt.Errorf("%w: ml-dsa-65 public key: %v", ErrSilentDrop, err)
		}
		pqPub = &pk
	} else if requirePQ {
		return x25519Pub, nil, nil, fmt.Errorf("%w: missing required ml-dsa-65 public key", ErrSilentDrop)
	}

	return x25519Pub, edPub, pqPub, nil
}
