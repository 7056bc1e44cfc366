package obfuscate

import (
	"bytes"
	"testing"
)

func TestNoneCarrierRoundTrip(t *testing.T) {
	packet := []byte{0x01, 0x02, 0x03, 0xFF}
	c := NoneCarrier{}
	wrapped, err := c.Wrap(packet)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	unwrapped, err := c.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !bytes.Equal(unwrapped, packet) {
		t.Errorf("Unwrap(Wrap(p)) = %x, want %x", unwrapped, packet)
	}
}

func TestBase64CarrierRoundTrip(t *testing.T) {
	packet := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 20)
	c := Base64Carrier{}
	wrapped, err := c.Wrap(packet)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	for _, b := range wrapped {
		if !((b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '-' || b == '_') {
			t.Fatalf("Wrap() produced non-base64url byte %q", b)
		}
	}
	unwrapped, err := c.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !bytes.Equal(unwrapped, packet) {
		t.Errorf("Unwrap(Wrap(p)) = %x, want %x", unwrapped, packet)
	}
}

func TestBase64CarrierRejectsGarbage(t *testing.T) {
	c := Base64Carrier{}
	if _, err := c.Unwrap([]byte("not valid base64url!!!")); err == nil {
		t.Error("Unwrap() should reject invalid base64")
	}
}

func TestJSONCarrierRoundTrip(t *testing.T) {
	packet := []byte("arbitrary encrypted bytes \x00\x01\x02")
	c := JSONCarrier{}
	wrapped, err := c.Wrap(packet)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if wrapped[0] != '{' {
		t.Errorf("Wrap() should produce a JSON object, got %q", wrapped)
	}
	unwrapped, err := c.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !bytes.Equal(unwrapped, packet) {
		t.Errorf("Unwrap(Wrap(p)) = %x, want %x", unwrapped, packet)
	}
}

func TestJSONCarrierRejectsMalformed(t *testing.T) {
	c := JSONCarrier{}
	if _, err := c.Unwrap([]byte("{not json")); err == nil {
		t.Error("Unwrap() should reject malformed JSON")
	}
}

func TestNewCarrierDispatch(t *testing.T) {
	cases := []struct {
		kind CarrierKind
		want Carrier
	}{
		{CarrierNone, NoneCarrier{}},
		{CarrierBase64, Base64Carrier{}},
		{CarrierJSON, JSONCarrier{}},
	}
	for _, tc := range cases {
		got := NewCarrier(tc.kind)
		if got != tc.want {
			t.Errorf("NewCarrier(%v) = %T, want %T", tc.kind, got, tc.want)
		}
	}
}
