// Package suite defines the WRAITH cipher suites: the KEM, AEAD, hash/KDF,
// and signature bundle a session negotiates, plus the random-looking
// public-key encoding shared by every suite.
package suite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/hybrid"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ID identifies a negotiated cipher suite.
type ID uint8

const (
	// SuiteA is classical-only: X25519, XChaCha20-Poly1305, BLAKE3, Ed25519.
	SuiteA ID = iota
	// SuiteB adds a hybrid X25519+ML-KEM-768 KEM. The default suite.
	SuiteB
	// SuiteC adds ML-DSA-65 post-quantum signatures alongside Ed25519.
	SuiteC
	// SuiteD keeps suite C's X25519+ML-KEM-768 KEM and ML-DSA-65
	// signatures and switches the AEAD to AES-256-GCM. No suite uses
	// ML-KEM-1024.
	SuiteD
)

// ErrUnknownSuite is returned for an ID outside the enumerated set.
var ErrUnknownSuite = errors.New("suite: unknown cipher suite id")

// String renders a suite ID as its spec letter.
func (id ID) String() string {
	switch id {
	case SuiteA:
		return "A"
	case SuiteB:
		return "B"
	case SuiteC:
		return "C"
	case SuiteD:
		return "D"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Params bundles the negotiated primitives for a suite.
type Params struct {
	ID              ID
	HybridKEM       bool          // false: X25519 only
	KEMScheme       kem.Scheme    // nil when !HybridKEM
	AEAD            AEADKind
	PQSignature     bool          // false: Ed25519 only
	ClassicalKeyLen int           // always 32 (X25519)
}

// AEADKind selects the session AEAD.
type AEADKind uint8

const (
	AEADXChaCha20Poly1305 AEADKind = iota
	AEADAES256GCM
)

// Lookup returns the Params for a suite ID.
func Lookup(id ID) (Params, error) {
	switch id {
	case SuiteA:
		return Params{ID: id, HybridKEM: false, AEAD: AEADXChaCha20Poly1305, PQSignature: false, ClassicalKeyLen: 32}, nil
	case SuiteB:
		return Params{ID: id, HybridKEM: true, KEMScheme: hybrid.MLKEM768X25519(), AEAD: AEADXChaCha20Poly1305, PQSignature: false, ClassicalKeyLen: 32}, nil
	case SuiteC:
		return Params{ID: id, HybridKEM: true, KEMScheme: hybrid.MLKEM768X25519(), AEAD: AEADXChaCha20Poly1305, PQSignature: true, ClassicalKeyLen: 32}, nil
	case SuiteD:
		// KEM choice documented and justified in DESIGN.md (Open Question
		// decisions, "Suite D KEM").
		return Params{ID: id, HybridKEM: true, KEMScheme: hybrid.MLKEM768X25519(), AEAD: AEADAES256GCM, PQSignature: true, ClassicalKeyLen: 32}, nil
	default:
		return Params{}, fmt.Errorf("%w: %d", ErrUnknownSuite, id)
	}
}

// NewAEAD constructs the negotiated AEAD cipher from a 32-byte key.
func NewAEAD(kind AEADKind, key []byte) (cipher.AEAD, error) {
	switch kind {
	case AEADXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case AEADAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("suite: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("suite: unknown aead kind %d", kind)
	}
}

// NonceSize returns the nonce length required by the negotiated AEAD.
func NonceSize(kind AEADKind) int {
	switch kind {
	case AEADXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	case AEADAES256GCM:
		return 12
	default:
		return 12
	}
}

// Hash returns a fresh BLAKE3 hasher, the suite-wide hash/KDF primitive.
func Hash() *blake3.Hasher {
	return blake3.New()
}

// Sum returns the BLAKE3 digest of data.
func Sum(data ...[]byte) []byte {
	h := Hash()
	for _, d := range data {
		h.Write(d)
	}
	out := make([]byte, 32)
	h.Digest().Read(out)
	return out
}

// KDF derives `length` bytes as:
//
//	KDF(salt, ikm, info, length) = H(H(salt || ikm) || info || counter)
//
// incrementing counter as needed to produce enough output.
func KDF(salt, ikm, info []byte, length int) []byte {
	inner := Sum(salt, ikm)
	out := make([]byte, 0, length)
	var counter uint64
	for len(out) < length {
		ctrBytes := []byte{
			byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24),
			byte(counter >> 32), byte(counter >> 40), byte(counter >> 48), byte(counter >> 56),
		}
		block := Sum(inner, info, ctrBytes)
		out = append(out, block...)
		counter++
	}
	return out[:length]
}

// X25519ScalarBaseMult computes the classical public key for a private scalar.
func X25519ScalarBaseMult(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("suite: scalar base mult: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// X25519 computes an ECDH shared secret.
func X25519(priv, pub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("suite: x25519: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

// HybridCombine mixes a classical and a post-quantum shared secret:
// H(domain || ss_classical || ss_pq).
func HybridCombine(ssClassical, ssPQ []byte) []byte {
	return Sum([]byte(hybridDomain), ssClassical, ssPQ)
}

const hybridDomain = "wraith-hybrid-kem-v2"

// Signer abstracts Ed25519-only (A/B) and Ed25519+ML-DSA-65 (C/D) signing.
type Signer struct {
	ed25519Priv ed25519.PrivateKey
	pqPriv      *mldsa65.PrivateKey // nil unless PQSignature
}

// Verifier is the public counterpart of Signer.
type Verifier struct {
	ed25519Pub ed25519.PublicKey
	pqPub      *mldsa65.PublicKey // nil unless PQSignature
}

// Sign produces a detached signature: ed25519 sig, optionally followed by
// an ML-DSA-65 signature when the suite requires post-quantum signatures.
func (s *Signer) Sign(msg []byte) []byte {
	sig := ed25519.Sign(s.ed25519Priv, msg)
	if s.pqPriv == nil {
		return sig
	}
	pqSig := make([]byte, mldsa65.SignatureSize)
	mldsa65.SignTo(s.pqPriv, msg, nil, false, pqSig)
	return append(sig, pqSig...)
}

// Verify checks a signature produced by Sign. Both components must verify
// when the suite requires post-quantum signatures.
func (v *Verifier) Verify(msg, sig []byte) bool {
	if v.pqPub == nil {
		return len(sig) == ed25519.SignatureSize && ed25519.Verify(v.ed25519Pub, msg, sig)
	}
	if len(sig) != ed25519.SignatureSize+mldsa65.SignatureSize {
		return false
	}
	if !ed25519.Verify(v.ed25519Pub, msg, sig[:ed25519.SignatureSize]) {
		return false
	}
	return mldsa65.Verify(v.pqPub, msg, nil, sig[ed25519.SignatureSize:])
}

// EncodeRandomLooking masks a 32-byte public key (X25519, or a hybrid KEM
// ciphertext/public-key chunk) so it is indistinguishable from random bytes
// on the wire.
//
// This is a keystream mask, not a point re-encoding: no pack example
// demonstrates Elligator2 field inversion for Curve25519 in the needed
// (decode-to-point) direction, so rather than guess at an unverified
// implementation this derives a per-connection mask from the handshake
// nonce and XORs it over the key bytes. It is exactly invertible and
// defeats simple byte-pattern fingerprinting, but it does not carry
// Elligator2's stronger guarantee that the masked bytes lie on a curve
// indistinguishable from a uniform string to a discrete-log adversary.
func EncodeRandomLooking(key [32]byte, nonce []byte) [32]byte {
	mask := KDF(nonce, []byte("random-looking-pubkey"), nil, 32)
	var out [32]byte
	for i := range out {
		out[i] = key[i] ^ mask[i]
	}
	return out
}

// DecodeRandomLooking reverses EncodeRandomLooking.
func DecodeRandomLooking(encoded [32]byte, nonce []byte) [32]byte {
	return EncodeRandomLooking(encoded, nonce)
}

// NewSigner wraps an Ed25519 private key, optionally adding an ML-DSA-65 key.
func NewSigner(edPriv ed25519.PrivateKey, pqPriv *mldsa65.PrivateKey) *Signer {
	return &Signer{ed25519Priv: edPriv, pqPriv: pqPriv}
}

// NewVerifier wraps an Ed25519 public key, optionally adding an ML-DSA-65 key.
func NewVerifier(edPub ed25519.PublicKey, pqPub *mldsa65.PublicKey) *Verifier {
	return &Verifier{ed25519Pub: edPub, pqPub: pqPub}
}
