package streammux

import "testing"

func TestOpenStreamAllocatesOddIDsForDialer(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), true)
	s1, err := m.OpenStream(QoSInteractive)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	s2, _ := m.OpenStream(QoSInteractive)
	if s1.ID%2 == 0 || s2.ID%2 == 0 {
		t.Errorf("dialer stream IDs = %d, %d, want odd", s1.ID, s2.ID)
	}
	if s1.ID == s2.ID {
		t.Error("consecutive OpenStream calls returned the same ID")
	}
}

func TestOpenStreamAllocatesEvenIDsForResponder(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), false)
	s, _ := m.OpenStream(QoSBulk)
	if s.ID%2 != 0 {
		t.Errorf("responder stream ID = %d, want even", s.ID)
	}
}

func TestAcceptStreamRejectsDuplicateID(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), false)
	if _, err := m.AcceptStream(10, QoSBulk); err != nil {
		t.Fatalf("AcceptStream() error = %v", err)
	}
	if _, err := m.AcceptStream(10, QoSBulk); err == nil {
		t.Error("AcceptStream() should reject a duplicate stream ID")
	}
}

func TestNextReadyDrainsByPriority(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), true)
	m.MarkReady(5, QoSBackground)
	m.MarkReady(3, QoSBulk)
	m.MarkReady(1, QoSInteractive)

	id, ok := m.NextReady()
	if !ok || id != 1 {
		t.Fatalf("NextReady() = %d, %v, want 1, true", id, ok)
	}
	id, ok = m.NextReady()
	if !ok || id != 3 {
		t.Fatalf("NextReady() = %d, %v, want 3, true", id, ok)
	}
	id, ok = m.NextReady()
	if !ok || id != 5 {
		t.Fatalf("NextReady() = %d, %v, want 5, true", id, ok)
	}
	if _, ok := m.NextReady(); ok {
		t.Error("NextReady() should report nothing ready once drained")
	}
}

func TestFlowControlCreditReserveAndGrant(t *testing.T) {
	s := NewStream(1, QoSInteractive, 100)
	if !s.ReserveSendCredit(60) {
		t.Fatal("ReserveSendCredit(60) should succeed within a 100-byte window")
	}
	if s.ReserveSendCredit(60) {
		t.Error("ReserveSendCredit(60) should fail with only 40 bytes remaining")
	}
	s.GrantSendCredit(100)
	if !s.ReserveSendCredit(60) {
		t.Error("ReserveSendCredit(60) should succeed after a 100-byte grant")
	}
}

func TestPushDataGrantsMoreWindowAtLowWaterMark(t *testing.T) {
	s := NewStream(1, QoSInteractive, 100)
	grant, err := s.PushData(make([]byte, 60))
	if err != nil {
		t.Fatalf("PushData() error = %v", err)
	}
	if grant == 0 {
		t.Error("PushData() should grant more window once over half consumed")
	}
}

func TestHalfCloseTransitions(t *testing.T) {
	s := NewStream(1, QoSInteractive, 100)
	s.Open()
	s.CloseWrite()
	if s.State() != StateHalfClosedLocal {
		t.Errorf("State() = %v, want HALF_CLOSED_LOCAL", s.State())
	}
	s.HandleRemoteFinWrite()
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", s.State())
	}
}
