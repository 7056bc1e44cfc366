package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wraith-project/wraith/internal/obfuscate"
	"github.com/wraith-project/wraith/internal/suite"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wraith.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, "identity:\n  data_dir: /tmp/wraith-test\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.DataDir != "/tmp/wraith-test" {
		t.Fatalf("data_dir = %q", cfg.Identity.DataDir)
	}
	id, err := cfg.SuiteID()
	if err != nil || id != suite.SuiteB {
		t.Fatalf("SuiteID() = %v, %v; want SuiteB, nil", id, err)
	}
}

func TestLoadMissingDataDir(t *testing.T) {
	path := writeConfig(t, "listen:\n  address: ':4433'\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing identity.data_dir")
	}
}

func TestMimicryProfile(t *testing.T) {
	m := MimicryConfig{Kind: "tls", Fingerprint: "chrome", Entropy: "base64"}
	profile, err := m.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Mimicry != obfuscate.MimicryTLS {
		t.Fatalf("Mimicry = %v", profile.Mimicry)
	}
	if profile.Entropy != obfuscate.CarrierBase64 {
		t.Fatalf("Entropy = %v", profile.Entropy)
	}
}

func TestMimicryProfileUnknownKind(t *testing.T) {
	m := MimicryConfig{Kind: "carrier-pigeon"}
	if _, err := m.Profile(); err == nil {
		t.Fatal("expected error for unknown mimicry kind")
	}
}

func TestPaddingResolveDefault(t *testing.T) {
	p := PaddingConfig{}
	cfg, err := p.Resolve(1400)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Kind != obfuscate.DistHttpsEmpirical || cfg.Max != 1400 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestStreamsResolveDefaults(t *testing.T) {
	s := StreamsConfig{}
	resolved := s.Resolve()
	if resolved.MaxStreams == 0 || resolved.InitialWindow == 0 || resolved.OpenTimeout == 0 {
		t.Fatalf("expected defaults filled in, got %+v", resolved)
	}
}

func TestIdentityPassphraseFromEnv(t *testing.T) {
	t.Setenv("WRAITH_TEST_PASSPHRASE", "correct horse battery staple")
	id := IdentityConfig{PassphraseEnv: "WRAITH_TEST_PASSPHRASE"}
	if got := string(id.Passphrase()); got != "correct horse battery staple" {
		t.Fatalf("Passphrase() = %q", got)
	}
	if (IdentityConfig{}).Passphrase() != nil {
		t.Fatal("expected nil passphrase when PassphraseEnv unset")
	}
}
