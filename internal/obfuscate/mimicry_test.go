package obfuscate

import (
	"context"
	"testing"

	"github.com/wraith-project/wraith/internal/transport"
)

func TestDefaultProfileDisablesMimicryAndEntropy(t *testing.T) {
	p := DefaultProfile()
	if p.Mimicry != MimicryNone {
		t.Errorf("DefaultProfile().Mimicry = %v, want MimicryNone", p.Mimicry)
	}
	if p.Entropy != CarrierNone {
		t.Errorf("DefaultProfile().Entropy = %v, want CarrierNone", p.Entropy)
	}
}

func TestDialRejectsMimicryNone(t *testing.T) {
	_, err := Dial(context.Background(), DefaultProfile(), "example.invalid:443", nil)
	if err == nil {
		t.Error("Dial() should refuse MimicryNone and tell the caller to dial directly")
	}
}

func TestDialWebSocketFailsForUnreachableAddr(t *testing.T) {
	profile := Profile{Mimicry: MimicryWebSocket, Entropy: CarrierNone}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, profile, "127.0.0.1:1", nil); err == nil {
		t.Error("Dial() should fail against a canceled context / closed port")
	}
}

func TestDialTLSFailsForUnreachableAddr(t *testing.T) {
	profile := Profile{Mimicry: MimicryTLS, Fingerprint: transport.FingerprintDisabled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, profile, "127.0.0.1:1", nil); err == nil {
		t.Error("Dial() should fail against a canceled context / closed port")
	}
}

func TestMimicryKindString(t *testing.T) {
	cases := map[MimicryKind]string{
		MimicryNone:      "none",
		MimicryWebSocket: "websocket",
		MimicryTLS:       "tls",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
