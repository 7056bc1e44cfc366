package wireframe

import (
	"bytes"
	"testing"
)

func TestInnerFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &InnerFrame{
		Type:            StreamData,
		Flags:           0x01,
		StreamID:        42,
		Sequence:        1234,
		Timestamp:       1700000000,
		ExtensionOffset: 0,
		Body:            []byte("payload"),
	}
	enc, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(enc) != InnerHeaderSize+len(f.Body) {
		t.Fatalf("encoded length = %d, want %d", len(enc), InnerHeaderSize+len(f.Body))
	}

	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != f.Type || got.Flags != f.Flags || got.StreamID != f.StreamID ||
		got.Sequence != f.Sequence || got.Timestamp != f.Timestamp {
		t.Errorf("Decode() = %+v, want fields matching %+v", got, f)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Errorf("Decode() body = %q, want %q", got.Body, f.Body)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode(make([]byte, InnerHeaderSize-1)); err == nil {
		t.Error("Decode() should reject a buffer shorter than the header")
	}
}

func TestDecodeRejectsFatalUnknownType(t *testing.T) {
	buf := make([]byte, InnerHeaderSize)
	buf[0] = 0x7A // within the reserved-fatal range, not a known type
	if _, err := Decode(buf); err == nil {
		t.Error("Decode() should reject an unknown frame type in the fatal range")
	}
}

func TestIgnorableAndFatalRanges(t *testing.T) {
	if !FrameType(0x65).IsIgnorable() {
		t.Error("0x65 should be in the reserved-ignorable range")
	}
	if FrameType(0x65).IsFatalIfUnknown() {
		t.Error("0x65 should not be in the fatal range")
	}
	if !FrameType(0x75).IsFatalIfUnknown() {
		t.Error("0x75 should be in the reserved-fatal range")
	}
	if !FrameType(0x80).IsReservedAboveTable() {
		t.Error("0x80 should be reserved above the defined table")
	}
}

func TestFrameTypeNameKnownAndUnknown(t *testing.T) {
	if StreamData.Name() != "STREAM_DATA" {
		t.Errorf("Name() = %q, want STREAM_DATA", StreamData.Name())
	}
	if name := FrameType(0xAA).Name(); name == "" {
		t.Error("Name() should never return empty for an unknown type")
	}
}

func TestNewPadFrameEncodesZeroedBody(t *testing.T) {
	f := NewPadFrame(7, 64)
	if f.Type != Pad {
		t.Errorf("NewPadFrame type = %v, want Pad", f.Type)
	}
	if len(f.Body) != 64 {
		t.Errorf("NewPadFrame body length = %d, want 64", len(f.Body))
	}
}

func seedFor(b byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = b
	}
	return s
}

func fakeCiphertext(n int) []byte {
	ct := make([]byte, n)
	for i := range ct {
		ct[i] = byte(i)
	}
	return ct
}

func TestDeriveLayoutIsDeterministic(t *testing.T) {
	seed := seedFor(0x42)
	a := DeriveLayout(seed)
	b := DeriveLayout(seed)
	if a.CIDPos != b.CIDPos || a.CIDLength != b.CIDLength || a.DummyLen != b.DummyLen || a.HasLengthField != b.HasLengthField {
		t.Error("DeriveLayout() is not deterministic for the same seed")
	}
}

func TestDeriveLayoutVariesAcrossSeeds(t *testing.T) {
	seen := map[CIDPosition]bool{}
	for i := 0; i < 64; i++ {
		l := DeriveLayout(seedFor(byte(i)))
		seen[l.CIDPos] = true
	}
	if len(seen) < 2 {
		t.Error("DeriveLayout() should vary CIDPos across different seeds")
	}
}

func TestOuterEncodeDecodeRoundTripAllPositions(t *testing.T) {
	seed := seedFor(0x11)
	var cid [CIDSize]byte
	for i := range cid {
		cid[i] = byte(100 + i)
	}
	ct := fakeCiphertext(48)

	for pos := CIDPosition(0); pos < cidPositionCount; pos++ {
		for _, dummyLen := range []int{0, 5, 16} {
			for _, hasLen := range []bool{false, true} {
				layout := Layout{
					CIDPos:         pos,
					CIDLength:      16,
					DummyLen:       dummyLen,
					HasLengthField: hasLen,
				}
				fields := []bodyField{}
				if dummyLen > 0 {
					fields = append(fields, fieldDummy)
				}
				if hasLen {
					fields = append(fields, fieldLength)
				}
				layout.FieldOrder = fields

				raw, err := EncodeOuter(layout, seed, cid, 5, ct)
				if err != nil {
					t.Fatalf("EncodeOuter(pos=%d,dummy=%d,len=%v) error = %v", pos, dummyLen, hasLen, err)
				}

				gotCID, gotSeq, gotCT, err := DecodeOuter(layout, seed, raw)
				if err != nil {
					t.Fatalf("DecodeOuter(pos=%d,dummy=%d,len=%v) error = %v", pos, dummyLen, hasLen, err)
				}
				if !bytes.Equal(gotCID, cid[:layout.CIDLength]) {
					t.Errorf("DecodeOuter(pos=%d) cid = %x, want %x", pos, gotCID, cid[:layout.CIDLength])
				}
				if gotSeq != 5 {
					t.Errorf("DecodeOuter(pos=%d,dummy=%d,len=%v) sequence = %d, want 5", pos, dummyLen, hasLen, gotSeq)
				}
				if !bytes.Equal(gotCT, ct) {
					t.Errorf("DecodeOuter(pos=%d,dummy=%d,len=%v) ciphertext = %x, want %x", pos, dummyLen, hasLen, gotCT, ct)
				}
			}
		}
	}
}

func TestOuterEncodeDecodeTruncatedCID(t *testing.T) {
	seed := seedFor(0x22)
	var cid [CIDSize]byte
	for i := range cid {
		cid[i] = byte(i)
	}
	ct := fakeCiphertext(32)

	layout := Layout{
		CIDPos:         CIDAtStart,
		CIDLength:      4,
		DummyLen:       0,
		HasLengthField: true,
		FieldOrder:     []bodyField{fieldLength},
	}

	raw, err := EncodeOuter(layout, seed, cid, 1, ct)
	if err != nil {
		t.Fatalf("EncodeOuter() error = %v", err)
	}
	gotCID, gotSeq, gotCT, err := DecodeOuter(layout, seed, raw)
	if err != nil {
		t.Fatalf("DecodeOuter() error = %v", err)
	}
	if !bytes.Equal(gotCID, cid[:4]) {
		t.Errorf("DecodeOuter() cid = %x, want %x", gotCID, cid[:4])
	}
	if gotSeq != 1 {
		t.Errorf("DecodeOuter() sequence = %d, want 1", gotSeq)
	}
	if !bytes.Equal(gotCT, ct) {
		t.Errorf("DecodeOuter() ciphertext = %x, want %x", gotCT, ct)
	}
}

func TestDummyFillerDiffersAcrossSequence(t *testing.T) {
	seed := seedFor(0x33)
	a := dummyFiller(seed, 1, 16)
	b := dummyFiller(seed, 2, 16)
	if bytes.Equal(a, b) {
		t.Error("dummyFiller() should differ across sequence numbers")
	}
}

func TestDecodeOuterRejectsShortPacket(t *testing.T) {
	layout := Layout{CIDPos: CIDAtStart, CIDLength: 16}
	seed := seedFor(0x44)
	if _, _, _, err := DecodeOuter(layout, seed, make([]byte, 4)); err == nil {
		t.Error("DecodeOuter() should reject a packet shorter than the CID")
	}
}
