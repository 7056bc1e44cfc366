// Package wireframe implements the WRAITH wire layer: the fixed 24-byte
// inner frame header carried inside the AEAD, and the polymorphic outer
// packet layout that surrounds the ciphertext.
//
// The header is a fixed 24-byte post-decryption layout with its own
// frame-type range table.
package wireframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InnerHeaderSize is the fixed size of the post-decryption frame header.
const InnerHeaderSize = 24

// MaxPayloadSize bounds a single inner frame's body as a guard against
// memory exhaustion from a malformed or hostile length field.
const MaxPayloadSize = 16 * 1024 * 1024

var (
	// ErrInvalidFrame is returned for a malformed inner frame.
	ErrInvalidFrame = errors.New("wireframe: invalid inner frame")

	// ErrFrameTooLarge is returned when a frame body exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("wireframe: frame payload exceeds maximum size")

	// ErrFatalUnknownType is returned for a frame type in the
	// reserved-fatal-if-unknown range (0x70-0x7F) that this implementation
	// does not recognize: the session must be torn down.
	ErrFatalUnknownType = errors.New("wireframe: unknown frame type in fatal range")
)

// FrameType identifies an inner frame's category and specific kind.
type FrameType uint8

// Frame type ranges: 0x00-0x0F
// handshake; 0x10-0x2F data/stream; 0x30-0x3F control; 0x40-0x4F crypto
// maintenance; 0x50-0x5F migration; 0x60-0x6F reserved-ignorable
// extensions; 0x70-0x7F reserved-fatal-if-unknown. Above 0x7F: reserved.
const (
	HandshakeMsg1 FrameType = 0x00
	HandshakeMsg2 FrameType = 0x01
	HandshakeMsg3 FrameType = 0x02

	StreamOpen FrameType = 0x10
	StreamData FrameType = 0x11
	StreamFin  FrameType = 0x12

	Ack          FrameType = 0x30
	MaxData      FrameType = 0x31
	StreamReset  FrameType = 0x32
	Ping         FrameType = 0x33
	Close        FrameType = 0x34

	Rekey        FrameType = 0x40
	KeyUpdateAck FrameType = 0x41

	PathChallenge    FrameType = 0x50
	PathResponse     FrameType = 0x51
	CIDNew           FrameType = 0x52
	CIDRetire        FrameType = 0x53
	ResumptionTicket FrameType = 0x54

	// Pad lives in the reserved-ignorable-extensions range: an
	// implementation that doesn't recognize it (it never should, but the
	// range contract applies uniformly) would silently skip it rather
	// than fault the session.
	Pad FrameType = 0x60
)

const (
	rangeHandshakeEnd = 0x0F
	rangeDataEnd      = 0x2F
	rangeControlEnd   = 0x3F
	rangeCryptoEnd    = 0x4F
	rangeMigrationEnd = 0x5F
	rangeIgnorableEnd = 0x6F
	rangeFatalEnd     = 0x7F
)

// IsIgnorable reports whether an unrecognized frame type falls in the
// reserved-ignorable-extensions range and should simply be skipped.
func (t FrameType) IsIgnorable() bool {
	return t > rangeMigrationEnd && t <= rangeIgnorableEnd
}

// IsFatalIfUnknown reports whether an unrecognized frame type falls in
// the reserved-fatal range and must terminate the session.
func (t FrameType) IsFatalIfUnknown() bool {
	return t > rangeIgnorableEnd && t <= rangeFatalEnd
}

// IsReservedAboveTable reports whether t falls above the entire defined
// range table (0x80 and above), which is always reserved.
func (t FrameType) IsReservedAboveTable() bool {
	return t > rangeFatalEnd
}

// Name renders a debug-friendly name for known frame types.
func (t FrameType) Name() string {
	switch t {
	case HandshakeMsg1:
		return "HANDSHAKE_MSG1"
	case HandshakeMsg2:
		return "HANDSHAKE_MSG2"
	case HandshakeMsg3:
		return "HANDSHAKE_MSG3"
	case StreamOpen:
		return "STREAM_OPEN"
	case StreamData:
		return "STREAM_DATA"
	case StreamFin:
		return "STREAM_FIN"
	case Ack:
		return "ACK"
	case MaxData:
		return "MAX_DATA"
	case StreamReset:
		return "STREAM_RESET"
	case Ping:
		return "PING"
	case Close:
		return "CLOSE"
	case Rekey:
		return "REKEY"
	case KeyUpdateAck:
		return "KEY_UPDATE_ACK"
	case PathChallenge:
		return "PATH_CHALLENGE"
	case PathResponse:
		return "PATH_RESPONSE"
	case CIDNew:
		return "CID_NEW"
	case CIDRetire:
		return "CID_RETIRE"
	case ResumptionTicket:
		return "RESUMPTION_TICKET"
	case Pad:
		return "PAD"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// InnerFrame is the fixed 24-byte post-decryption header plus a
// type-specific body:
//
//	[frame_type:1][flags:1][stream_id:2][sequence:8][timestamp:8]
//	[extension_offset:2][reserved:2]
type InnerFrame struct {
	Type            FrameType
	Flags           uint8
	StreamID        uint16
	Sequence        uint64
	Timestamp       int64
	ExtensionOffset uint16
	Body            []byte
}

// Encode serializes the frame to its wire representation.
func (f *InnerFrame) Encode() ([]byte, error) {
	if len(f.Body) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, InnerHeaderSize+len(f.Body))
	buf[0] = byte(f.Type)
	buf[1] = f.Flags
	binary.BigEndian.PutUint16(buf[2:4], f.StreamID)
	binary.BigEndian.PutUint64(buf[4:12], f.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(f.Timestamp))
	binary.BigEndian.PutUint16(buf[20:22], f.ExtensionOffset)
	// buf[22:24] reserved, left zero.
	copy(buf[InnerHeaderSize:], f.Body)
	return buf, nil
}

// Decode parses a frame from its wire representation.
func Decode(buf []byte) (*InnerFrame, error) {
	if len(buf) < InnerHeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	f := &InnerFrame{
		Type:            FrameType(buf[0]),
		Flags:           buf[1],
		StreamID:        binary.BigEndian.Uint16(buf[2:4]),
		Sequence:        binary.BigEndian.Uint64(buf[4:12]),
		Timestamp:       int64(binary.BigEndian.Uint64(buf[12:20])),
		ExtensionOffset: binary.BigEndian.Uint16(buf[20:22]),
	}
	if f.Type.IsFatalIfUnknown() && !isKnownType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrFatalUnknownType, uint8(f.Type))
	}
	body := buf[InnerHeaderSize:]
	if len(body) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	f.Body = append([]byte(nil), body...)
	return f, nil
}

func isKnownType(t FrameType) bool {
	switch t {
	case HandshakeMsg1, HandshakeMsg2, HandshakeMsg3,
		StreamOpen, StreamData, StreamFin,
		Ack, MaxData, StreamReset, Ping, Close,
		Rekey, KeyUpdateAck,
		PathChallenge, PathResponse, CIDNew, CIDRetire, ResumptionTicket,
		Pad:
		return true
	default:
		return false
	}
}

// NewPadFrame builds a cover-traffic frame of the requested body size.
// PAD frames are not otherwise meaningful: their only role is occupying a
// sequence number and shaping observed packet-size distributions.
func NewPadFrame(sequence uint64, bodySize int) *InnerFrame {
	return &InnerFrame{
		Type:     Pad,
		Sequence: sequence,
		Body:     make([]byte, bodySize),
	}
}
