package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wraith-project/wraith/internal/suite"
)

// RekeyInterval and RekeyPacketBudget bound post-compromise exposure:
// whichever threshold is hit first triggers a DH ratchet.
const (
	RekeyInterval     = 120 * time.Second
	RekeyPacketBudget = 1_000_000
)

// ErrReplayed is returned by Open when a packet fails the replay-window
// check: sequence below the floor, or already marked seen.
var ErrReplayed = errors.New("ratchet: packet rejected by replay window")

// Session holds one WRAITH session's per-direction ratchet state: two
// chains (send/receive), their nonce prefixes, the receive-side replay
// window, and the counters that drive periodic DH re-key.
//
// Decision on the open question (do PAD-only cover packets count toward
// the 1,000,000-packet rekey budget): yes. The budget exists to bound key
// exposure on the wire, and a cover packet consumes a sequence number and
// nonce identically to a data packet; every call to Seal — including
// those that carry only a PAD frame — advances sendPacketCount.
type Session struct {
	mu sync.Mutex

	aeadKind suite.AEADKind

	sendChain       *Chain
	recvChain       *Chain
	sendNoncePrefix []byte
	recvNoncePrefix []byte

	replay *ReplayWindow

	epoch           uint32
	sendPacketCount uint64
	lastRekey       time.Time

	localStatic  [32]byte
	remoteStatic [32]byte
}

// New builds a session from the handshake's directional keys. localStatic
// and remoteStatic are the long-lived identity public keys, used only for
// rekey race resolution.
func New(aeadKind suite.AEADKind, sendKey, recvKey []byte, localStatic, remoteStatic [32]byte) *Session {
	s := &Session{
		aeadKind:        aeadKind,
		sendChain:       NewChain(suite.KDF(sendKey, nil, []byte("chain-init"), 32)),
		recvChain:       NewChain(suite.KDF(recvKey, nil, []byte("chain-init"), 32)),
		sendNoncePrefix: suite.KDF(sendKey, nil, []byte("nonce-prefix"), suite.NonceSize(aeadKind)-8),
		recvNoncePrefix: suite.KDF(recvKey, nil, []byte("nonce-prefix"), suite.NonceSize(aeadKind)-8),
		replay:          &ReplayWindow{},
		lastRekey:       time.Now(),
		localStatic:     localStatic,
		remoteStatic:    remoteStatic,
	}
	return s
}

// Seal encrypts plaintext under the next message key in the send chain,
// binding aad (the wire header) into the AEAD, and advances the chain.
func (s *Session) Seal(plaintext, aad []byte) (ciphertext []byte, sequence uint64, err error) {
	s.mu.Lock()
	mk, seq := s.sendChain.Advance()
	s.sendPacketCount++
	prefix := s.sendNoncePrefix
	kind := s.aeadKind
	s.mu.Unlock()

	defer ZeroBytes(mk)

	aead, err := suite.NewAEAD(kind, mk)
	if err != nil {
		return nil, 0, fmt.Errorf("ratchet: build send aead: %w", err)
	}
	nonce := NonceFor(prefix, seq, suite.NonceSize(kind))
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return ct, seq, nil
}

// Open decrypts ciphertext received at sequence, checking and updating
// the replay window. The replay-window-check-then-key-deletion region is
// a single non-yielding critical section: a packet is either fully
// accepted (bit set, message key derived and destroyed) or fully
// rejected, with no window left for a duplicate to race in between.
func (s *Session) Open(ciphertext []byte, aad []byte, sequence uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.replay.Check(sequence) {
		return nil, ErrReplayed
	}

	mk, err := s.recvChain.MessageKeyFor(sequence)
	prefix := s.recvNoncePrefix
	kind := s.aeadKind
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayed, err)
	}
	defer ZeroBytes(mk)

	aead, err := suite.NewAEAD(kind, mk)
	if err != nil {
		return nil, fmt.Errorf("ratchet: build recv aead: %w", err)
	}
	nonce := NonceFor(prefix, sequence, suite.NonceSize(kind))
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("ratchet: aead open: %w", err)
	}

	s.replay.Accept(sequence)
	return plaintext, nil
}

// NeedsRekey reports whether either rekey trigger has fired: 120 seconds
// elapsed since the last DH ratchet, or the send-direction packet budget
// exhausted.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastRekey) >= RekeyInterval || s.sendPacketCount >= RekeyPacketBudget
}

// WinsRekeyRace reports whether the local side wins a simultaneous
// rekey race: the lexicographically lower static public
// key wins. How each side then completes the exchange is decided by the
// caller (node.Session's rekey handling).
func (s *Session) WinsRekeyRace() bool {
	return bytes.Compare(s.localStatic[:], s.remoteStatic[:]) < 0
}

// ApplyRekey performs the DH ratchet: both chains are reset to
// c_0' = KDF(c_current || new_ss, "chain"), the old epoch's chain keys
// are destroyed, and the rekey counters reset.
func (s *Session) ApplyRekey(newSharedSecret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sendSeed := suite.KDF(append(append([]byte(nil), s.sendChain.Key()...), newSharedSecret...), nil, []byte("chain"), 32)
	recvSeed := suite.KDF(append(append([]byte(nil), s.recvChain.Key()...), newSharedSecret...), nil, []byte("chain"), 32)

	s.sendChain.Reset(sendSeed)
	s.recvChain.Reset(recvSeed)
	s.epoch++
	s.sendPacketCount = 0
	s.lastRekey = time.Now()
}

// Epoch returns the current ratchet generation number.
func (s *Session) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Close zeroizes all per-direction key material. Call on session
// teardown.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroBytes(s.sendChain.key)
	ZeroBytes(s.recvChain.key)
	ZeroBytes(s.sendNoncePrefix)
	ZeroBytes(s.recvNoncePrefix)
}
