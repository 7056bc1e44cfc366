package ratchet

import (
	"testing"
)

func TestChainAdvanceProducesDistinctKeys(t *testing.T) {
	c := NewChain(make([]byte, 32))

	mk1, seq1 := c.Advance()
	mk2, seq2 := c.Advance()

	if seq1 != 0 || seq2 != 1 {
		t.Errorf("sequence numbers = %d, %d, want 0, 1", seq1, seq2)
	}
	if string(mk1) == string(mk2) {
		t.Error("two consecutive message keys are identical")
	}
}

func TestChainAdvanceIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a := NewChain(append([]byte(nil), seed...))
	b := NewChain(append([]byte(nil), seed...))

	for i := 0; i < 5; i++ {
		mkA, _ := a.Advance()
		mkB, _ := b.Advance()
		if string(mkA) != string(mkB) {
			t.Fatalf("chains seeded identically diverged at step %d", i)
		}
	}
}

func TestChainMessageKeyForCatchesUp(t *testing.T) {
	seed := make([]byte, 32)
	reference := NewChain(append([]byte(nil), seed...))
	var refKeys [][]byte
	for i := 0; i < 4; i++ {
		mk, _ := reference.Advance()
		refKeys = append(refKeys, mk)
	}

	fresh := NewChain(append([]byte(nil), seed...))
	mk, err := fresh.MessageKeyFor(3)
	if err != nil {
		t.Fatalf("MessageKeyFor() error = %v", err)
	}
	if string(mk) != string(refKeys[3]) {
		t.Error("MessageKeyFor() did not reproduce the reference chain's key")
	}
}

func TestChainMessageKeyForDeliversSkippedKeyOutOfOrder(t *testing.T) {
	seed := make([]byte, 32)
	reference := NewChain(append([]byte(nil), seed...))
	var refKeys [][]byte
	for i := 0; i < 4; i++ {
		mk, _ := reference.Advance()
		refKeys = append(refKeys, mk)
	}

	fresh := NewChain(append([]byte(nil), seed...))

	// Sequence 3 arrives first, skipping over 0-2: they must be cached,
	// not discarded.
	if _, err := fresh.MessageKeyFor(3); err != nil {
		t.Fatalf("MessageKeyFor(3) error = %v", err)
	}

	// The skipped sequences, arriving late (legitimate UDP reordering),
	// must still be derivable from the cache.
	for _, seq := range []uint64{1, 0, 2} {
		mk, err := fresh.MessageKeyFor(seq)
		if err != nil {
			t.Fatalf("MessageKeyFor(%d) error = %v, want a cached skipped key", seq, err)
		}
		if string(mk) != string(refKeys[seq]) {
			t.Errorf("MessageKeyFor(%d) = %x, want %x", seq, mk, refKeys[seq])
		}
	}

	// A skipped key is single-use: asking for it again must fail, since
	// it's evicted from the cache once delivered.
	if _, err := fresh.MessageKeyFor(1); err == nil {
		t.Error("MessageKeyFor(1) should fail the second time: the key was already consumed")
	}
}

func TestReplayWindowRejectsDuplicateAndOld(t *testing.T) {
	w := &ReplayWindow{}

	if !w.Check(5) {
		t.Fatal("first packet should be acceptable")
	}
	w.Accept(5)

	if w.Check(5) {
		t.Error("duplicate sequence should be rejected")
	}
	if !w.Check(5 + ReplayWindowBits) {
		t.Error("higher sequence should be acceptable")
	}
	w.Accept(5 + ReplayWindowBits)

	if w.Check(0) {
		t.Error("sequence far below the floor should be rejected once window has advanced")
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := &ReplayWindow{}
	w.Accept(100)

	if !w.Check(95) {
		t.Error("sequence within the window below highest should be acceptable")
	}
	w.Accept(95)
	if w.Check(95) {
		t.Error("re-accepted sequence should now be rejected as a duplicate")
	}
}

func TestReplayWindowSlidesForward(t *testing.T) {
	w := &ReplayWindow{}
	w.Accept(0)
	for i := uint64(1); i <= 2000; i++ {
		if !w.Check(i) {
			t.Fatalf("sequence %d should be acceptable on first arrival", i)
		}
		w.Accept(i)
	}
	if w.Check(0) {
		t.Error("sequence 0 should have fallen off the window after 2000 advances")
	}
	if w.Check(1999) {
		t.Error("sequence 1999 was already accepted and should be rejected")
	}
}

func TestNonceForEncodesSequenceInLowBytes(t *testing.T) {
	prefix := make([]byte, 4)
	nonce := NonceFor(prefix, 1, 12)
	if len(nonce) != 12 {
		t.Fatalf("nonce length = %d, want 12", len(nonce))
	}
	// last byte of an 8-byte big-endian 1 is 0x01
	if nonce[11] != 1 {
		t.Errorf("nonce low byte = %d, want 1", nonce[11])
	}
}
