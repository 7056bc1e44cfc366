package wireframe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wraith-project/wraith/internal/suite"
)

// CIDSize is the logical size of a connection ID; the wire layout may
// transmit only a prefix of it (see Layout.CIDLength).
const CIDSize = 16

// MaxDummyLen bounds the random-looking filler inserted between fields.
const MaxDummyLen = 16

// SequenceFieldSize is the width of the masked ratchet-sequence field
// carried in every outer packet, immediately before the ciphertext.
const SequenceFieldSize = 8

// sequenceMaskSampleSize is how many leading ciphertext bytes are sampled
// to derive the sequence mask, mirroring QUIC header protection's use of
// a ciphertext sample to resolve the chicken-and-egg problem of masking
// a value the receiver needs before it can locate the ciphertext that
// would unmask it: the sample is taken from bytes the receiver already
// has in hand once it has stripped the CID and any dummy/length fields.
const sequenceMaskSampleSize = 16

// maskSequence derives a one-time pad for the sequence field from the
// format seed and a sample of this packet's own ciphertext, then XORs it
// over the big-endian sequence number. Unlike a mask fixed for the
// session's lifetime, this differs for every packet (ciphertexts never
// repeat under a live AEAD key), so consecutive sequence numbers never
// produce a fixed XOR delta an observer could fingerprint.
func maskSequence(formatSeed, ciphertext []byte, sequence uint64) []byte {
	mask := suite.KDF(formatSeed, ciphertext[:sequenceMaskSampleSize], []byte("sequence-mask"), SequenceFieldSize)
	var seqBuf [SequenceFieldSize]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	out := make([]byte, SequenceFieldSize)
	for i := range out {
		out[i] = seqBuf[i] ^ mask[i]
	}
	return out
}

// unmaskSequence reverses maskSequence given the already-recovered
// ciphertext.
func unmaskSequence(formatSeed, ciphertext, masked []byte) uint64 {
	mask := suite.KDF(formatSeed, ciphertext[:sequenceMaskSampleSize], []byte("sequence-mask"), SequenceFieldSize)
	var buf [SequenceFieldSize]byte
	for i := range buf {
		buf[i] = masked[i] ^ mask[i]
	}
	return binary.BigEndian.Uint64(buf[:])
}

var (
	// ErrShortPacket is returned when a raw packet is too small to hold
	// the fields its derived layout requires.
	ErrShortPacket = errors.New("wireframe: packet shorter than its layout requires")
)

// CIDPosition names where the (possibly truncated) connection ID is
// spliced into the assembled packet, as part of the polymorphic
// framing layout.
type CIDPosition uint8

const (
	CIDAtStart CIDPosition = iota
	CIDAfterDummy
	CIDBeforeAuthTag
	CIDAppended
	cidPositionCount
)

// Layout is the per-session polymorphic outer-packet shape, derived once
// from FormatSeed and held fixed for the session's lifetime.
//
// Decision on the open question (does the format seed rotate across a
// connection migration): no. FormatSeed is derived once from the
// session's master secret at handshake completion and is independent of
// path/CID changes; migration swaps the transport path
// and CID value, not the bit layout an observer sees, so rotating it on
// migration would buy no obfuscation benefit while complicating the
// already-delicate in-flight-packet-during-migration race.
type Layout struct {
	CIDPos         CIDPosition
	CIDLength      int // one of 4, 8, 12, 16
	DummyLen       int // 0..16
	HasLengthField bool
	// FieldOrder is a permutation of the fields that precede the
	// ciphertext in the body (dummy filler and/or the length field).
	// The ciphertext itself is always last in body-relative terms; its
	// absolute position in the packet is then adjusted by CIDPos.
	FieldOrder []bodyField
}

type bodyField uint8

const (
	fieldDummy bodyField = iota
	fieldLength
)

var cidLengthOptions = [4]int{4, 8, 12, 16}

// DeriveLayout computes the polymorphic layout from a session's format
// seed: FormatSeed = KDF(session_master, "wire-format"). The same seed on
// both ends of a session yields the same layout deterministically.
func DeriveLayout(formatSeed []byte) Layout {
	b := suite.KDF(formatSeed, nil, []byte("wire-layout"), 8)

	l := Layout{
		CIDPos:         CIDPosition(b[0] % uint8(cidPositionCount)),
		CIDLength:      cidLengthOptions[b[1]%4],
		DummyLen:       int(b[2] % (MaxDummyLen + 1)),
		HasLengthField: b[3]%2 == 0,
	}

	fields := []bodyField{}
	if l.DummyLen > 0 {
		fields = append(fields, fieldDummy)
	}
	if l.HasLengthField {
		fields = append(fields, fieldLength)
	}
	l.FieldOrder = permute(fields, b[4])
	return l
}

// permute applies a Fisher-Yates shuffle to fields driven by a single
// seed byte, expanded into a deterministic byte stream via the standard
// library's maphash-free counter trick: each swap decision consumes one
// derived byte.
func permute(fields []bodyField, seedByte byte) []bodyField {
	out := append([]bodyField(nil), fields...)
	state := seedByte
	for i := len(out) - 1; i > 0; i-- {
		state = state*31 + byte(i)
		j := int(state) % (i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// dummyFiller derives random-looking filler bytes from the format seed
// and this packet's sequence number, so two packets never share filler
// even though the layout is fixed for the session.
func dummyFiller(formatSeed []byte, sequence uint64, n int) []byte {
	if n == 0 {
		return nil
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	return suite.KDF(formatSeed, seqBuf[:], []byte("dummy-filler"), n)
}

// EncodeOuter assembles one outer packet: the (possibly truncated)
// connection ID, session-ratchet-sequence-keyed dummy filler, an optional
// 2-byte big-endian length field, and the AEAD ciphertext, arranged per
// layout. cid must be CIDSize bytes; only layout.CIDLength of it is
// transmitted (the receiver's demux table matches sessions by that
// prefix, since a connection's peers already share the full 16-byte
// value out of band).
func EncodeOuter(layout Layout, formatSeed []byte, cid [CIDSize]byte, sequence uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, fmt.Errorf("wireframe: ciphertext shorter than an AEAD tag")
	}

	var body []byte
	for _, f := range layout.FieldOrder {
		switch f {
		case fieldDummy:
			body = append(body, dummyFiller(formatSeed, sequence, layout.DummyLen)...)
		case fieldLength:
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))
			body = append(body, lenBuf[:]...)
		}
	}
	if len(ciphertext) < sequenceMaskSampleSize {
		return nil, fmt.Errorf("wireframe: ciphertext shorter than the sequence-mask sample size")
	}
	body = append(body, maskSequence(formatSeed, ciphertext, sequence)...)
	body = append(body, ciphertext...)

	cidBytes := cid[:layout.CIDLength]

	switch layout.CIDPos {
	case CIDAtStart:
		return append(append([]byte(nil), cidBytes...), body...), nil

	case CIDAfterDummy:
		if layout.DummyLen == 0 {
			return append(append([]byte(nil), cidBytes...), body...), nil
		}
		split := dummyOffsetInBody(layout)
		out := append([]byte(nil), body[:split]...)
		out = append(out, cidBytes...)
		out = append(out, body[split:]...)
		return out, nil

	case CIDBeforeAuthTag:
		// Ciphertext is always the trailing block of body; its final 16
		// bytes are the AEAD tag.
		split := len(body) - 16
		out := append([]byte(nil), body[:split]...)
		out = append(out, cidBytes...)
		out = append(out, body[split:]...)
		return out, nil

	case CIDAppended:
		return append(append([]byte(nil), body...), cidBytes...), nil

	default:
		return nil, fmt.Errorf("wireframe: unknown CID position %d", layout.CIDPos)
	}
}

// dummyOffsetInBody returns the byte offset within body immediately after
// the dummy-filler field, given layout's field ordering.
func dummyOffsetInBody(layout Layout) int {
	offset := 0
	for _, f := range layout.FieldOrder {
		if f == fieldDummy {
			return offset + layout.DummyLen
		}
		if f == fieldLength {
			offset += 2
		}
	}
	return offset
}

// DecodeOuter reverses EncodeOuter, returning the transmitted CID prefix,
// the ratchet sequence number, and the ciphertext. The caller matches the
// CID prefix against its demux table to recover the full 16-byte value
// and the session's layout.
func DecodeOuter(layout Layout, formatSeed []byte, raw []byte) (cidPrefix []byte, sequence uint64, ciphertext []byte, err error) {
	cidLen := layout.CIDLength

	switch layout.CIDPos {
	case CIDAtStart:
		if len(raw) < cidLen {
			return nil, 0, nil, ErrShortPacket
		}
		cidPrefix = raw[:cidLen]
		body := raw[cidLen:]
		sequence, ciphertext, err = extractCiphertext(layout, formatSeed, body)
		return cidPrefix, sequence, ciphertext, err

	case CIDAppended:
		if len(raw) < cidLen {
			return nil, 0, nil, ErrShortPacket
		}
		split := len(raw) - cidLen
		cidPrefix = raw[split:]
		body := raw[:split]
		sequence, ciphertext, err = extractCiphertext(layout, formatSeed, body)
		return cidPrefix, sequence, ciphertext, err

	case CIDAfterDummy:
		if layout.DummyLen == 0 {
			if len(raw) < cidLen {
				return nil, 0, nil, ErrShortPacket
			}
			cidPrefix = raw[:cidLen]
			sequence, ciphertext, err = extractCiphertext(layout, formatSeed, raw[cidLen:])
			return cidPrefix, sequence, ciphertext, err
		}
		offset := dummyOffsetBeforeInsertion(layout)
		if len(raw) < offset+cidLen {
			return nil, 0, nil, ErrShortPacket
		}
		cidPrefix = raw[offset : offset+cidLen]
		body := append(append([]byte(nil), raw[:offset]...), raw[offset+cidLen:]...)
		sequence, ciphertext, err = extractCiphertext(layout, formatSeed, body)
		return cidPrefix, sequence, ciphertext, err

	case CIDBeforeAuthTag:
		if len(raw) < cidLen+16 {
			return nil, 0, nil, ErrShortPacket
		}
		split := len(raw) - cidLen - 16
		cidPrefix = raw[split : split+cidLen]
		body := append(append([]byte(nil), raw[:split]...), raw[split+cidLen:]...)
		sequence, ciphertext, err = extractCiphertext(layout, formatSeed, body)
		return cidPrefix, sequence, ciphertext, err

	default:
		return nil, 0, nil, fmt.Errorf("wireframe: unknown CID position %d", layout.CIDPos)
	}
}

// dummyOffsetBeforeInsertion mirrors dummyOffsetInBody but is computed
// against the body as it exists before the CID was spliced in (i.e. the
// offset at which the CID was inserted, which equals the dummy field's
// end in the pre-insertion body).
func dummyOffsetBeforeInsertion(layout Layout) int {
	return dummyOffsetInBody(layout)
}

// extractCiphertext strips the leading dummy/length fields from body (in
// layout.FieldOrder order), then the masked sequence field that always
// immediately precedes the ciphertext, returning the recovered sequence
// number and the ciphertext itself.
func extractCiphertext(layout Layout, formatSeed []byte, body []byte) (sequence uint64, ciphertext []byte, err error) {
	offset := 0
	declaredLen := -1
	for _, f := range layout.FieldOrder {
		switch f {
		case fieldDummy:
			if len(body) < offset+layout.DummyLen {
				return 0, nil, ErrShortPacket
			}
			offset += layout.DummyLen
		case fieldLength:
			if len(body) < offset+2 {
				return 0, nil, ErrShortPacket
			}
			declaredLen = int(binary.BigEndian.Uint16(body[offset : offset+2]))
			offset += 2
		}
	}
	if len(body) < offset+SequenceFieldSize {
		return 0, nil, ErrShortPacket
	}
	maskedSeq := body[offset : offset+SequenceFieldSize]
	rest := body[offset+SequenceFieldSize:]

	if declaredLen >= 0 {
		if len(rest) < declaredLen {
			return 0, nil, ErrShortPacket
		}
		rest = rest[:declaredLen]
	}
	if len(rest) < sequenceMaskSampleSize {
		return 0, nil, ErrShortPacket
	}
	sequence = unmaskSequence(formatSeed, rest, maskedSeq)
	return sequence, rest, nil
}
