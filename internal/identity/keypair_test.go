package identity

import (
	"testing"

	"github.com/wraith-project/wraith/internal/suite"
)

func TestNewKeypair(t *testing.T) {
	kp1, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	if IsZeroKey(kp1.PrivateKey) {
		t.Error("private key is zero")
	}
	if IsZeroKey(kp1.PublicKey) {
		t.Error("public key is zero")
	}
	if kp1.PQSignPrivate != nil {
		t.Error("suite B should not carry a post-quantum signing key")
	}

	kp2, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() second call error = %v", err)
	}
	if kp1.PrivateKey == kp2.PrivateKey {
		t.Error("two generated private keys are identical")
	}
	if kp1.PublicKey == kp2.PublicKey {
		t.Error("two generated public keys are identical")
	}
}

func TestNewKeypairPostQuantumSignature(t *testing.T) {
	kp, err := NewKeypair(suite.SuiteC)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	if kp.PQSignPrivate == nil || kp.PQSignPublic == nil {
		t.Error("suite C must carry an ML-DSA-65 signing keypair")
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "valid lowercase",
			input:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			wantErr: false,
		},
		{
			name:    "valid uppercase",
			input:   "0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF",
			wantErr: false,
		},
		{
			name:    "with 0x prefix",
			input:   "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			wantErr: false,
		},
		{
			name:    "with whitespace",
			input:   "  0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef  ",
			wantErr: false,
		},
		{
			name:    "too short",
			input:   "0123456789abcdef",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef00",
			wantErr: true,
		},
		{
			name:    "invalid hex",
			input:   "zzzz456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyToString(t *testing.T) {
	key := [KeySize]byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}

	s := KeyToString(key)
	if len(s) != KeySize*2 {
		t.Errorf("KeyToString() length = %d, want %d", len(s), KeySize*2)
	}

	parsed, err := ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey(KeyToString()) error = %v", err)
	}
	if parsed != key {
		t.Error("round-trip failed")
	}
}

func TestIsZeroKey(t *testing.T) {
	var zeroKey [KeySize]byte
	if !IsZeroKey(zeroKey) {
		t.Error("IsZeroKey(zero) = false, want true")
	}

	nonZeroKey := [KeySize]byte{1}
	if IsZeroKey(nonZeroKey) {
		t.Error("IsZeroKey(nonzero) = true, want false")
	}
}

func TestKeypairStoreLoad(t *testing.T) {
	tmpDir := t.TempDir()
	passphrase := []byte("correct horse battery staple")

	kp1, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	if err := kp1.Store(tmpDir, passphrase); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	kp2, err := LoadKeypair(tmpDir, passphrase)
	if err != nil {
		t.Fatalf("LoadKeypair() error = %v", err)
	}

	if kp1.PrivateKey != kp2.PrivateKey {
		t.Error("loaded private key does not match")
	}
	if kp1.PublicKey != kp2.PublicKey {
		t.Error("loaded public key does not match")
	}
	if kp1.SigningPublic.Equal(kp2.SigningPublic) == false {
		t.Error("loaded signing public key does not match")
	}
}

func TestKeypairStoreLoadPostQuantum(t *testing.T) {
	tmpDir := t.TempDir()
	passphrase := []byte("correct horse battery staple")

	kp1, err := NewKeypair(suite.SuiteD)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	if err := kp1.Store(tmpDir, passphrase); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	kp2, err := LoadKeypair(tmpDir, passphrase)
	if err != nil {
		t.Fatalf("LoadKeypair() error = %v", err)
	}
	if kp2.PQSignPrivate == nil {
		t.Error("loaded keypair lost its ML-DSA-65 signing key")
	}
	if !kp1.PQSignPublic.Equal(kp2.PQSignPublic) {
		t.Error("loaded ML-DSA-65 public key does not match")
	}
}

func TestLoadOrCreateKeypair_Create(t *testing.T) {
	tmpDir := t.TempDir()
	passphrase := []byte("hunter2")

	kp1, created1, err := LoadOrCreateKeypair(tmpDir, passphrase, suite.SuiteB)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error = %v", err)
	}
	if !created1 {
		t.Error("expected created = true on first call")
	}
	if IsZeroKey(kp1.PublicKey) {
		t.Error("keypair public key is zero")
	}

	kp2, created2, err := LoadOrCreateKeypair(tmpDir, passphrase, suite.SuiteB)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() second call error = %v", err)
	}
	if created2 {
		t.Error("expected created = false on second call")
	}
	if kp1.PublicKey != kp2.PublicKey {
		t.Error("loaded keypair does not match created one")
	}
}

func TestLoadKeypair_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := LoadKeypair(tmpDir, []byte("whatever"))
	if err == nil {
		t.Error("LoadKeypair() should fail when keypair does not exist")
	}
}

func TestLoadKeypair_WrongPassphrase(t *testing.T) {
	tmpDir := t.TempDir()

	kp, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	if err := kp.Store(tmpDir, []byte("correct passphrase")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	_, err = LoadKeypair(tmpDir, []byte("wrong passphrase"))
	if err == nil {
		t.Error("LoadKeypair() should fail with the wrong passphrase")
	}
}

func TestKeypairExists(t *testing.T) {
	tmpDir := t.TempDir()

	if KeypairExists(tmpDir) {
		t.Error("KeypairExists() = true before creation")
	}

	kp, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	if err := kp.Store(tmpDir, []byte("passphrase")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if !KeypairExists(tmpDir) {
		t.Error("KeypairExists() = false after creation")
	}
}

func TestKeypairZero(t *testing.T) {
	kp, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	if IsZeroKey(kp.PrivateKey) {
		t.Error("private key is already zero")
	}

	kp.Zero()

	if !IsZeroKey(kp.PrivateKey) {
		t.Error("private key was not zeroed")
	}
	if IsZeroKey(kp.PublicKey) {
		t.Error("public key was unexpectedly zeroed")
	}
}

func TestKeypairPublicKeyString(t *testing.T) {
	kp, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	s := kp.PublicKeyString()
	if len(s) != KeySize*2 {
		t.Errorf("PublicKeyString() length = %d, want %d", len(s), KeySize*2)
	}

	short := kp.PublicKeyShortString()
	if len(short) != 16 {
		t.Errorf("PublicKeyShortString() length = %d, want 16", len(short))
	}
}

func TestStoreZeroKey(t *testing.T) {
	tmpDir := t.TempDir()

	kp := &Keypair{}
	err := kp.Store(tmpDir, []byte("passphrase"))
	if err == nil {
		t.Error("Store() should fail with zero private key")
	}
}

func TestAgentIDFromPublicKey(t *testing.T) {
	kp, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	id1 := AgentIDFromPublicKey(kp.PublicKey)
	id2 := AgentIDFromPublicKey(kp.PublicKey)
	if id1 != id2 {
		t.Error("AgentIDFromPublicKey is not deterministic")
	}

	other, err := NewKeypair(suite.SuiteB)
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}
	if AgentIDFromPublicKey(other.PublicKey) == id1 {
		t.Error("distinct public keys produced the same AgentID")
	}
}
