package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
)

var (
	ErrTableFull = errors.New("session: no free session id")
)

const (
	// SessionIDSize is the wire size of a session id.
	SessionIDSize = 6
	// sessionIDMask keeps the low 48 bits.
	sessionIDMask = 1<<48 - 1
	// maxIDAttempts bounds the search for an unused id.
	maxIDAttempts = 16
)

// Table indexes sessions by their local 48-bit id.
type Table struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[uint64]*Session)}
}

// Issue assigns s a fresh random nonzero local id and stores it.
func (t *Table) Issue(s *Session) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b [8]byte
	for i := 0; i < maxIDAttempts; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(b[:]) & sessionIDMask
		if id == 0 {
			continue
		}
		if _, taken := t.sessions[id]; taken {
			continue
		}
		s.localID = id
		t.sessions[id] = s
		return id, nil
	}
	return 0, ErrTableFull
}

// Lookup retrieves a session by local id.
func (t *Table) Lookup(id uint64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Revoke removes a session and destroys its keys.
func (t *Table) Revoke(id uint64) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if ok {
		s.destroy()
	}
}

// Cleanup removes sessions for which expired returns true and reports how many
// were removed.
func (t *Table) Cleanup(expired func(*Session) bool) int {
	t.mu.Lock()
	var victims []*Session
	for id, s := range t.sessions {
		if expired(s) {
			delete(t.sessions, id)
			victims = append(victims, s)
		}
	}
	t.mu.Unlock()

	for _, s := range victims {
		s.destroy()
	}
	return len(victims)
}

// Count returns the number of sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func putSessionID(b []byte, id uint64) {
	_ = b[SessionIDSize-1]
	b[0] = byte(id >> 40)
	b[1] = byte(id >> 32)
	b[2] = byte(id >> 24)
	b[3] = byte(id >> 16)
	b[4] = byte(id >> 8)
	b[5] = byte(id)
}

func sessionIDFromBytes(b []byte) uint64 {
	_ = b[SessionIDSize-1]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
