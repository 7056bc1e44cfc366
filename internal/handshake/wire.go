package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/wraith-project/wraith/internal/suite"
)

var randReader = rand.Reader

func nowUnix() int64 {
	return time.Now().Unix()
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// seal authenticates (and optionally encrypts) plaintext under a one-time
// message key derived from the handshake transcript. The nonce is always
// zero: each key is used for exactly one AEAD operation, per Noise-style
// handshake key derivation.
func seal(key, plaintext []byte) []byte {
	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, key)
	if err != nil {
		panic("handshake: building handshake aead: " + err.Error())
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil)
}

func open(key, sealed []byte) ([]byte, error) {
	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Open(nil, nonce, sealed, nil)
}
