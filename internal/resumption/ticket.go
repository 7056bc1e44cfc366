// Package resumption implements WRAITH's session-resumption tickets:
// opaque, symmetrically encrypted blobs a responder hands an initiator
// after a full handshake, which the initiator presents in message 1 of a
// later handshake (the RESUMPTION_TICKET frame and the
// handshake package's resumeTicket field). The responder validates and
// redeems a presented ticket, but the handshake still runs the full KEM
// exchange; the ticket's saved PSK is not used to derive session keys.
//
// Grounded on TLS 1.3 session tickets (the closest analogue already
// exercised in this codebase's dependency surface via quic-go, which
// implements the same mechanism for QUIC 0-RTT): an AEAD-sealed blob
// under a server-held ticket key, carrying an expiry and the resumption
// secret, plus a single-use redemption cache to block replay of a
// captured ticket for a second 0-RTT handshake.
package resumption

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wraith-project/wraith/internal/suite"
)

// TicketKeySize is the symmetric key size used to seal tickets.
const TicketKeySize = 32

// DefaultTTL bounds how long an issued ticket remains redeemable.
const DefaultTTL = 10 * time.Minute

var (
	// ErrExpired is returned by Validate for a ticket past its expiry.
	ErrExpired = errors.New("resumption: ticket expired")

	// ErrMalformed is returned by Validate for a ticket that doesn't open
	// under the given key or fails its length checks.
	ErrMalformed = errors.New("resumption: malformed ticket")

	// ErrReplayed is returned when a ticket has already been redeemed.
	ErrReplayed = errors.New("resumption: ticket already redeemed")
)

// Ticket is the plaintext content sealed inside an issued ticket blob.
type Ticket struct {
	SessionID [16]byte
	PSK       []byte // the resumption secret session keys are re-derived from
	IssuedAt  int64
	ExpiresAt int64
}

// Issue seals a new ticket for psk (the handshake's exported resumption
// secret) under ticketKey, valid for ttl. ticketKey is a per-node secret
// rotated independently of any single session (analogous to a TLS
// session ticket encryption key).
func Issue(ticketKey, psk []byte, ttl time.Duration) ([]byte, error) {
	if len(ticketKey) != TicketKeySize {
		return nil, fmt.Errorf("resumption: ticket key must be %d bytes", TicketKeySize)
	}
	var sessionID [16]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		return nil, fmt.Errorf("resumption: generate session id: %w", err)
	}
	now := time.Now()
	t := Ticket{
		SessionID: sessionID,
		PSK:       psk,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	plaintext := encodeTicket(t)

	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, ticketKey)
	if err != nil {
		return nil, fmt.Errorf("resumption: build ticket aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("resumption: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Validate opens raw under ticketKey and checks its expiry, without
// consulting a replay cache: callers that care about single-use
// redemption (every production listener should) must also call
// Cache.Redeem on the returned ticket's SessionID.
func Validate(ticketKey, raw []byte) (*Ticket, error) {
	if len(ticketKey) != TicketKeySize {
		return nil, fmt.Errorf("resumption: ticket key must be %d bytes", TicketKeySize)
	}
	aead, err := suite.NewAEAD(suite.AEADXChaCha20Poly1305, ticketKey)
	if err != nil {
		return nil, fmt.Errorf("resumption: build ticket aead: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrMalformed
	}
	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t, err := decodeTicket(plaintext)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > t.ExpiresAt {
		return nil, ErrExpired
	}
	return t, nil
}

func encodeTicket(t Ticket) []byte {
	buf := make([]byte, 16+8+8+2+len(t.PSK))
	copy(buf[0:16], t.SessionID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(t.IssuedAt))
	binary.BigEndian.PutUint64(buf[24:32], uint64(t.ExpiresAt))
	binary.BigEndian.PutUint16(buf[32:34], uint16(len(t.PSK)))
	copy(buf[34:], t.PSK)
	return buf
}

func decodeTicket(buf []byte) (*Ticket, error) {
	if len(buf) < 34 {
		return nil, ErrMalformed
	}
	t := &Ticket{
		IssuedAt:  int64(binary.BigEndian.Uint64(buf[16:24])),
		ExpiresAt: int64(binary.BigEndian.Uint64(buf[24:32])),
	}
	copy(t.SessionID[:], buf[0:16])
	pskLen := int(binary.BigEndian.Uint16(buf[32:34]))
	if len(buf) < 34+pskLen {
		return nil, ErrMalformed
	}
	t.PSK = append([]byte(nil), buf[34:34+pskLen]...)
	return t, nil
}

// Cache tracks redeemed ticket session IDs so a captured ticket can't be
// replayed for a second 0-RTT handshake. Entries are swept lazily on
// Redeem, bounded by each ticket's own expiry rather than a fixed window.
type Cache struct {
	mu       sync.Mutex
	redeemed map[[16]byte]int64 // sessionID -> expiry unix time
}

// NewCache creates an empty redemption cache.
func NewCache() *Cache {
	return &Cache{redeemed: make(map[[16]byte]int64)}
}

// Redeem marks a ticket's session ID as used. It returns ErrReplayed if
// the same session ID was already redeemed and hasn't expired.
func (c *Cache) Redeem(t *Ticket) error {
	now := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)

	if exp, ok := c.redeemed[t.SessionID]; ok && exp > now {
		return ErrReplayed
	}
	c.redeemed[t.SessionID] = t.ExpiresAt
	return nil
}

// sweep drops expired entries, called with mu held.
func (c *Cache) sweep(now int64) {
	for id, exp := range c.redeemed {
		if exp <= now {
			delete(c.redeemed, id)
		}
	}
}

// Size returns the number of currently tracked session IDs, for tests and
// metrics.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redeemed)
}
