package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/wraith-project/wraith/internal/suite"
)

const (
	// KeySize is the size of the X25519 static keypair in bytes.
	KeySize = 32

	keyFileName = "identity.key"

	keyFileMagic   = "WRAITH01"
	keyFileVersion = 1
)

var (
	// ErrInvalidKeyLength is returned when a hex-decoded key is the wrong size.
	ErrInvalidKeyLength = errors.New("identity: invalid key length: expected 32 bytes")

	// ErrCorruptKeyFile is returned when the persisted identity file fails
	// its integrity tag or magic check.
	ErrCorruptKeyFile = errors.New("identity: corrupt or tampered identity key file")

	// ErrWrongPassphrase is an alias for ErrCorruptKeyFile surfaced when
	// decryption fails, since the two are indistinguishable by design.
	ErrWrongPassphrase = ErrCorruptKeyFile

	// ErrZeroKey is returned when attempting to persist an uninitialized keypair.
	ErrZeroKey = errors.New("identity: cannot store a zero private key")
)

// Keypair is a participant's long-lived identity: an X25519 static key used
// for handshake authentication, plus an Ed25519 signing keypair and, for
// suites that require post-quantum signatures, an ML-DSA-65 signing keypair.
type Keypair struct {
	Suite      suite.ID
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte

	// Signing keys are present for every suite (Ed25519 is mandatory); the
	// ML-DSA-65 fields are only populated for suites C/D.
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey
	PQSignPrivate  *mldsa65.PrivateKey
	PQSignPublic   *mldsa65.PublicKey
}

// NewKeypair generates a fresh identity for the given suite.
func NewKeypair(id suite.ID) (*Keypair, error) {
	params, err := suite.Lookup(id)
	if err != nil {
		return nil, err
	}

	var priv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate private key: %w", err)
	}
	// Clamp per X25519 spec.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := suite.X25519ScalarBaseMult(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	kp := &Keypair{
		Suite:          id,
		PrivateKey:     priv,
		PublicKey:      pub,
		SigningPrivate: edPriv,
		SigningPublic:  edPub,
	}

	if params.PQSignature {
		pqPub, pqPriv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate ML-DSA-65 key: %w", err)
		}
		kp.PQSignPrivate = pqPriv
		kp.PQSignPublic = pqPub
	}

	return kp, nil
}

// Signer returns a suite.Signer backed by this keypair's signing keys.
func (kp *Keypair) Signer() *suite.Signer {
	return suite.NewSigner(kp.SigningPrivate, kp.PQSignPrivate)
}

// IsZeroKey reports whether k is the all-zero key.
func IsZeroKey(k [KeySize]byte) bool {
	var zero [KeySize]byte
	return k == zero
}

// Zero wipes the private key material (not the public key).
func (kp *Keypair) Zero() {
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
	for i := range kp.SigningPrivate {
		kp.SigningPrivate[i] = 0
	}
}

// PublicKeyString returns the hex-encoded static public key.
func (kp *Keypair) PublicKeyString() string {
	return KeyToString(kp.PublicKey)
}

// PublicKeyShortString returns a shortened (16 hex char) public key prefix
// suitable for display.
func (kp *Keypair) PublicKeyShortString() string {
	return KeyToString(kp.PublicKey)[:16]
}

// ParseKey parses a hex-encoded 32-byte key, tolerating whitespace and an
// optional 0x/0X prefix.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return key, fmt.Errorf("%w: got %d hex chars", ErrInvalidKeyLength, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("identity: invalid hex: %w", err)
	}
	copy(key[:], b)
	return key, nil
}

// KeyToString hex-encodes a key.
func KeyToString(k [KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

// AgentIDFromPublicKey derives a routing-level AgentID from a static public
// key (BLAKE3 truncated to 128 bits). This is a display/lookup convenience
// distinct from the session-derived, rotating Connection IDs used on the
// wire (see internal/connection).
func AgentIDFromPublicKey(pub [KeySize]byte) AgentID {
	digest := suite.Sum(pub[:])
	var id AgentID
	copy(id[:], digest[:IDSize])
	return id
}

// --- persisted identity file ---
//
// Layout:
//
//	[magic:8 "WRAITH01"][version:1][suite:1][salt:16][nonce:24]
//	[sealed payload][tag:16]
//
// The sealed payload is marshalSecret's output (X25519 private key, then
// the length-prefixed Ed25519 seed and ML-DSA-65 private key). It is
// encrypted with XChaCha20-Poly1305, whatever the suite, under a key derived
// from the user passphrase and the salt via suite.KDF.

// Store persists the keypair to dataDir, encrypted under passphrase.
// Signing keys are re-derived deterministically is not possible for
// Ed25519/ML-DSA, so they are serialized alongside the X25519 private key
// inside the encrypted payload.
func (kp *Keypair) Store(dataDir string, passphrase []byte) error {
	if IsZeroKey(kp.PrivateKey) {
		return ErrZeroKey
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	payload := kp.marshalSecret()

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	key := suite.KDF(salt, passphrase, []byte("identity-file"), 32)
	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, key)
	if err != nil {
		return fmt.Errorf("identity: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("identity: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, payload, nil)

	buf := make([]byte, 0, 8+1+1+16+len(nonce)+len(sealed))
	buf = append(buf, []byte(keyFileMagic)...)
	buf = append(buf, keyFileVersion)
	buf = append(buf, byte(kp.Suite))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	path := filepath.Join(dataDir, keyFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("identity: write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity: persist identity file: %w", err)
	}
	return nil
}

// marshalSecret serializes the private material carried inside the
// encrypted payload: X25519 private key, then (if present) the Ed25519
// seed and ML-DSA-65 private key, each length-prefixed.
func (kp *Keypair) marshalSecret() []byte {
	buf := make([]byte, 0, 32+2+64+2+4096)
	buf = append(buf, kp.PrivateKey[:]...)

	seed := kp.SigningPrivate.Seed()
	buf = appendLenPrefixed(buf, seed)

	if kp.PQSignPrivate != nil {
		pqBytes, _ := kp.PQSignPrivate.MarshalBinary()
		buf = appendLenPrefixed(buf, pqBytes)
	} else {
		buf = appendLenPrefixed(buf, nil)
	}
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// LoadKeypair reads and decrypts the identity file from dataDir.
func LoadKeypair(dataDir string, passphrase []byte) (*Keypair, error) {
	path := filepath.Join(dataDir, keyFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read identity file: %w", err)
	}
	if len(raw) < 8+1+1+16 {
		return nil, ErrCorruptKeyFile
	}
	if string(raw[:8]) != keyFileMagic {
		return nil, ErrCorruptKeyFile
	}
	version := raw[8]
	if version != keyFileVersion {
		return nil, fmt.Errorf("identity: unsupported identity file version %d", version)
	}
	suiteID := suite.ID(raw[9])
	salt := raw[10:26]
	rest := raw[26:]

	key := suite.KDF(salt, passphrase, []byte("identity-file"), 32)
	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, key)
	if err != nil {
		return nil, fmt.Errorf("identity: build aead: %w", err)
	}
	if len(rest) < aead.NonceSize() {
		return nil, ErrCorruptKeyFile
	}
	nonce := rest[:aead.NonceSize()]
	ciphertext := rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	kp, err := unmarshalSecret(suiteID, plaintext)
	if err != nil {
		return nil, err
	}
	pub, err := suite.X25519ScalarBaseMult(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	kp.PublicKey = pub
	return kp, nil
}

func unmarshalSecret(suiteID suite.ID, data []byte) (*Keypair, error) {
	if len(data) < KeySize+2 {
		return nil, ErrCorruptKeyFile
	}
	kp := &Keypair{Suite: suiteID}
	copy(kp.PrivateKey[:], data[:KeySize])
	offset := KeySize

	seedLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+seedLen > len(data) {
		return nil, ErrCorruptKeyFile
	}
	seed := data[offset : offset+seedLen]
	offset += seedLen
	if seedLen == ed25519.SeedSize {
		kp.SigningPrivate = ed25519.NewKeyFromSeed(seed)
		kp.SigningPublic = kp.SigningPrivate.Public().(ed25519.PublicKey)
	}

	if offset+2 > len(data) {
		return nil, ErrCorruptKeyFile
	}
	pqLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+pqLen > len(data) {
		return nil, ErrCorruptKeyFile
	}
	if pqLen > 0 {
		var pqPriv mldsa65.PrivateKey
		if err := pqPriv.UnmarshalBinary(data[offset : offset+pqLen]); err != nil {
			return nil, fmt.Errorf("%w: ml-dsa-65 key: %v", ErrCorruptKeyFile, err)
		}
		kp.PQSignPrivate = &pqPriv
		kp.PQSignPublic = pqPriv.Public().(*mldsa65.PublicKey)
	}

	return kp, nil
}

// LoadOrCreateKeypair loads an existing identity, or creates and persists a
// new one for the given suite if none exists.
func LoadOrCreateKeypair(dataDir string, passphrase []byte, id suite.ID) (*Keypair, bool, error) {
	if KeypairExists(dataDir) {
		kp, err := LoadKeypair(dataDir, passphrase)
		return kp, false, err
	}
	kp, err := NewKeypair(id)
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir, passphrase); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// KeypairExists reports whether an identity file exists in dataDir.
func KeypairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
