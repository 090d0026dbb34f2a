package callsession

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"
)

func TestStore_CreateAndFind(t *testing.T) {
	s := NewStore(2)

	sess, err := s.Create("call-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.State != StateFree {
		t.Errorf("State = %v, want FREE", sess.State)
	}
	if sess.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	got, ok := s.FindByCallID("call-1")
	if !ok {
		t.Fatal("FindByCallID() ok = false")
	}
	if got.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", got.CallID)
	}

	if _, ok := s.FindByCallID("missing"); ok {
		t.Error("FindByCallID(missing) ok = true")
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	s := NewStore(4)
	if _, err := s.Create("dup"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create("dup"); !errors.Is(err, ErrExists) {
		t.Errorf("Create(dup) error = %v, want ErrExists", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_CreateEmptyCallID(t *testing.T) {
	s := NewStore(1)
	if _, err := s.Create(""); err == nil {
		t.Error("Create(\"\") error = nil, want error")
	}
}

func TestStore_Full(t *testing.T) {
	s := NewStore(DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		if _, err := s.Create(fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("Create(%d) error = %v", i, err)
		}
	}
	if _, err := s.Create("overflow"); !errors.Is(err, ErrFull) {
		t.Errorf("Create(overflow) error = %v, want ErrFull", err)
	}

	s.Terminate("c3")
	if _, err := s.Create("overflow"); err != nil {
		t.Errorf("Create after Terminate error = %v", err)
	}
}

func TestStore_TerminateIdempotent(t *testing.T) {
	s := NewStore(1)
	_, _ = s.Create("x")

	if !s.Terminate("x") {
		t.Error("first Terminate() = false, want true")
	}
	if s.Terminate("x") {
		t.Error("second Terminate() = true, want false")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStore_Update(t *testing.T) {
	s := NewStore(1)
	_, _ = s.Create("x")
	caller := netip.MustParseAddrPort("10.0.0.1:5060")

	ok := s.Update("x", func(sess *Session) {
		sess.State = StateInviteSent
		sess.OriginalCallerAddr = caller
		sess.CallID = "tampered"
	})
	if !ok {
		t.Fatal("Update() = false")
	}

	got, _ := s.FindByCallID("x")
	if got.State != StateInviteSent || got.OriginalCallerAddr != caller {
		t.Errorf("session = %+v", got)
	}
	if got.CallID != "x" {
		t.Errorf("CallID = %q, want x (immutable)", got.CallID)
	}

	if s.Update("missing", func(*Session) {}) {
		t.Error("Update(missing) = true")
	}
}

func TestStore_UniquenessUnderChurn(t *testing.T) {
	s := NewStore(3)
	ids := []string{"a", "b", "a", "c", "b", "d", "a"}
	for i, id := range ids {
		if i%2 == 1 {
			s.Terminate(ids[i-1])
		}
		_, _ = s.Create(id)

		seen := map[string]bool{}
		for _, sess := range s.List() {
			if seen[sess.CallID] {
				t.Fatalf("duplicate live Call-ID %q after step %d", sess.CallID, i)
			}
			seen[sess.CallID] = true
		}
	}
}

func TestSession_OtherParty(t *testing.T) {
	caller := netip.MustParseAddrPort("10.0.0.1:5060")
	callee := netip.MustParseAddrPort("10.0.0.2:5060")
	sess := Session{OriginalCallerAddr: caller, CalleeAddr: callee}

	if got := sess.OtherParty(caller); got != callee {
		t.Errorf("OtherParty(caller) = %v, want %v", got, callee)
	}
	if got := sess.OtherParty(callee); got != caller {
		t.Errorf("OtherParty(callee) = %v, want %v", got, caller)
	}
	// Same IP, different port is not the caller.
	if got := sess.OtherParty(netip.MustParseAddrPort("10.0.0.1:5070")); got != caller {
		t.Errorf("OtherParty(port mismatch) = %v, want %v", got, caller)
	}
}

func TestStore_ExpireStale(t *testing.T) {
	s := NewStore(4)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.nowFunc = func() time.Time { return now }

	_, _ = s.Create("ringing")
	s.Update("ringing", func(sess *Session) { sess.State = StateRinging })
	_, _ = s.Create("established")
	s.Update("established", func(sess *Session) { sess.State = StateEstablished })

	now = base.Add(5 * time.Minute)
	_, _ = s.Create("fresh")

	expired := s.ExpireStale(now, 3*time.Minute, 4*time.Hour)
	if len(expired) != 1 || expired[0].CallID != "ringing" {
		t.Fatalf("expired = %+v, want [ringing]", expired)
	}

	expired = s.ExpireStale(base.Add(5*time.Hour), 3*time.Minute, 4*time.Hour)
	if len(expired) != 2 {
		t.Errorf("expired after max age = %d sessions, want 2", len(expired))
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateFree:        "FREE",
		StateInviteSent:  "INVITE_SENT",
		StateRinging:     "RINGING",
		StateEstablished: "ESTABLISHED",
		StateTerminating: "TERMINATING",
		State(42):        "UNKNOWN(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
