package session

import (
	"testing"
)

func TestTableIssueAndLookup(t *testing.T) {
	table := NewTable()
	s := &Session{}
	id, err := table.Issue(s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if id == 0 || id > sessionIDMask {
		t.Fatalf("id %x out of range", id)
	}
	if s.LocalID() != id {
		t.Fatalf("session not given its id")
	}
	if table.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", table.Count())
	}
	got, ok := table.Lookup(id)
	if !ok || got != s {
		t.Fatalf("Lookup failed")
	}
}

func TestTableRevoke(t *testing.T) {
	table := NewTable()
	s := &Session{}
	id, _ := table.Issue(s)
	table.Revoke(id)
	if _, ok := table.Lookup(id); ok {
		t.Fatalf("revoked session still present")
	}
	if s.state != stateClosed {
		t.Fatalf("revoked session not closed")
	}
}

func TestTableCleanup(t *testing.T) {
	table := NewTable()
	old := &Session{created: 1}
	young := &Session{created: 100}
	table.Issue(old)
	table.Issue(young)
	n := table.Cleanup(func(s *Session) bool { return s.created < 50 })
	if n != 1 || table.Count() != 1 {
		t.Fatalf("cleanup removed %d, %d left", n, table.Count())
	}
}

func TestSessionIDEncoding(t *testing.T) {
	var b [SessionIDSize]byte
	putSessionID(b[:], 0x0102030405ab)
	if got := sessionIDFromBytes(b[:]); got != 0x0102030405ab {
		t.Fatalf("round trip gave %x", got)
	}
}
