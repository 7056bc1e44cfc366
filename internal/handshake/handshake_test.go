package handshake

import (
	"testing"
	"time"

	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/suite"
)

func runHandshake(t *testing.T, suiteID suite.ID) (*Result, *Result) {
	t.Helper()

	initKP, err := identity.NewKeypair(suiteID)
	if err != nil {
		t.Fatalf("initiator NewKeypair() error = %v", err)
	}
	respKP, err := identity.NewKeypair(suiteID)
	if err != nil {
		t.Fatalf("responder NewKeypair() error = %v", err)
	}

	initiator, err := NewInitiator(initKP, respKP.PublicKey, suiteID, nil)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}

	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}

	if err := VerifyMessage1(respKP, msg1, time.Now()); err != nil {
		t.Fatalf("VerifyMessage1() error = %v", err)
	}

	responder, pqCT, err := NewResponder(respKP, suiteID, msg1)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}

	msg2, err := responder.BuildMessage2(pqCT)
	if err != nil {
		t.Fatalf("BuildMessage2() error = %v", err)
	}

	initVerifier, err := initiator.ConsumeMessage2(msg2)
	if err != nil {
		t.Fatalf("ConsumeMessage2() error = %v", err)
	}
	if initVerifier == nil {
		t.Fatal("ConsumeMessage2() returned nil verifier")
	}

	msg3, err := initiator.BuildMessage3()
	if err != nil {
		t.Fatalf("BuildMessage3() error = %v", err)
	}

	respVerifier, remoteStatic, err := responder.ConsumeMessage3(msg3)
	if err != nil {
		t.Fatalf("ConsumeMessage3() error = %v", err)
	}
	if respVerifier == nil {
		t.Fatal("ConsumeMessage3() returned nil verifier")
	}
	if remoteStatic != initKP.PublicKey {
		t.Error("responder recovered the wrong initiator static key")
	}

	initResult := initiator.Finish(initVerifier, respKP.PublicKey)
	respResult := responder.Finish()

	return initResult, respResult
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	for _, suiteID := range []suite.ID{suite.SuiteA, suite.SuiteB, suite.SuiteC, suite.SuiteD} {
		t.Run(suiteID.String(), func(t *testing.T) {
			initResult, respResult := runHandshake(t, suiteID)

			if string(initResult.SendKey) != string(respResult.RecvKey) {
				t.Error("initiator send key does not match responder recv key")
			}
			if string(initResult.RecvKey) != string(respResult.SendKey) {
				t.Error("initiator recv key does not match responder send key")
			}
			if string(initResult.TranscriptHash) != string(respResult.TranscriptHash) {
				t.Error("transcript hashes diverged between initiator and responder")
			}
			if initResult.SendKey == nil || len(initResult.SendKey) != 32 {
				t.Errorf("unexpected send key length %d", len(initResult.SendKey))
			}
		})
	}
}

func TestVerifyMessage1RejectsStaleTimestamp(t *testing.T) {
	initKP, _ := identity.NewKeypair(suite.SuiteB)
	respKP, _ := identity.NewKeypair(suite.SuiteB)

	initiator, err := NewInitiator(initKP, respKP.PublicKey, suite.SuiteB, nil)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}

	future := time.Now().Add(61 * time.Second)
	if err := VerifyMessage1(respKP, msg1, future); err == nil {
		t.Error("VerifyMessage1() should reject a timestamp 61s out of window")
	}

	within := time.Now().Add(30 * time.Second)
	if err := VerifyMessage1(respKP, msg1, within); err != nil {
		t.Errorf("VerifyMessage1() should accept a timestamp within the window, got %v", err)
	}
}

func TestVerifyMessage1RejectsBadProof(t *testing.T) {
	initKP, _ := identity.NewKeypair(suite.SuiteB)
	respKP, _ := identity.NewKeypair(suite.SuiteB)
	wrongKP, _ := identity.NewKeypair(suite.SuiteB)

	initiator, err := NewInitiator(initKP, wrongKP.PublicKey, suite.SuiteB, nil)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}

	if err := VerifyMessage1(respKP, msg1, time.Now()); err == nil {
		t.Error("VerifyMessage1() should reject a proof built for a different responder")
	}
}

func TestVerifyMessage1RejectsWrongVersion(t *testing.T) {
	initKP, _ := identity.NewKeypair(suite.SuiteB)
	respKP, _ := identity.NewKeypair(suite.SuiteB)

	initiator, err := NewInitiator(initKP, respKP.PublicKey, suite.SuiteB, nil)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}
	msg1[0] = Version + 1

	if err := VerifyMessage1(respKP, msg1, time.Now()); err == nil {
		t.Error("VerifyMessage1() should reject an unknown version")
	}
}

func TestConsumeMessage2RejectsTamperedCiphertext(t *testing.T) {
	initKP, _ := identity.NewKeypair(suite.SuiteB)
	respKP, _ := identity.NewKeypair(suite.SuiteB)

	initiator, err := NewInitiator(initKP, respKP.PublicKey, suite.SuiteB, nil)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}

	responder, pqCT, err := NewResponder(respKP, suite.SuiteB, msg1)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	msg2, err := responder.BuildMessage2(pqCT)
	if err != nil {
		t.Fatalf("BuildMessage2() error = %v", err)
	}

	msg2[len(msg2)-1] ^= 0xFF

	if _, err := initiator.ConsumeMessage2(msg2); err == nil {
		t.Error("ConsumeMessage2() should reject a tampered message")
	}
}

func TestResumptionTicketRoundTrips(t *testing.T) {
	initKP, _ := identity.NewKeypair(suite.SuiteB)
	respKP, _ := identity.NewKeypair(suite.SuiteB)

	ticket := []byte("opaque-resumption-ticket")
	initiator, err := NewInitiator(initKP, respKP.PublicKey, suite.SuiteB, ticket)
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	msg1, err := initiator.BuildMessage1()
	if err != nil {
		t.Fatalf("BuildMessage1() error = %v", err)
	}

	responder, _, err := NewResponder(respKP, suite.SuiteB, msg1)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	if string(responder.ResumptionTicket()) != string(ticket) {
		t.Errorf("ResumptionTicket() = %q, want %q", responder.ResumptionTicket(), ticket)
	}
}
