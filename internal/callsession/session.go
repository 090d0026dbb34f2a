// Package callsession tracks in-progress SIP dialogs in a fixed-capacity table
// keyed by Call-ID.
package callsession

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// DefaultCapacity is the number of concurrent dialogs the proxy tracks.
const DefaultCapacity = 10

var (
	// ErrFull is returned when every slot is occupied.
	ErrFull = errors.New("call session table full")
	// ErrExists is returned when a live session already uses the Call-ID.
	ErrExists = errors.New("call session already exists")
)

// State is the lifecycle state of a dialog.
type State int

const (
	StateFree State = iota
	StateInviteSent
	StateRinging
	StateEstablished
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateInviteSent:
		return "INVITE_SENT"
	case StateRinging:
		return "RINGING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateTerminating:
		return "TERMINATING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Session is one active or recently active dialog.
type Session struct {
	CallID  string
	CSeq    string
	FromTag string
	ToTag   string

	CallerAddr         netip.AddrPort
	CalleeAddr         netip.AddrPort
	OriginalCallerAddr netip.AddrPort

	State     State
	CreatedAt time.Time
}

// Age returns how long the session has existed at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// OtherParty returns the endpoint that did not send a message from addr.
// Only an exact IP and port match identifies the original caller.
func (s *Session) OtherParty(from netip.AddrPort) netip.AddrPort {
	if from == s.OriginalCallerAddr {
		return s.CalleeAddr
	}
	return s.OriginalCallerAddr
}

// Store is a bounded, mutex-guarded table of sessions. Callers never hold a
// reference into the table: reads return copies and writes go through Update.
type Store struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*Session
	nowFunc  func() time.Time
}

// NewStore creates a store holding at most capacity sessions.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		sessions: make(map[string]*Session, capacity),
		nowFunc:  time.Now,
	}
}

// Create claims a slot for callID with state FREE and a fresh creation time.
// The caller populates the remaining fields with Update.
func (s *Store) Create(callID string) (Session, error) {
	if callID == "" {
		return Session{}, fmt.Errorf("create session: empty Call-ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[callID]; ok {
		return Session{}, ErrExists
	}
	if len(s.sessions) >= s.capacity {
		return Session{}, ErrFull
	}

	sess := &Session{CallID: callID, State: StateFree, CreatedAt: s.nowFunc()}
	s.sessions[callID] = sess
	return *sess, nil
}

// FindByCallID returns a copy of the session for callID.
func (s *Store) FindByCallID(callID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Update applies fn to the live session under the store lock. The Call-ID
// cannot be changed. It reports whether the session existed.
func (s *Store) Update(callID string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return false
	}
	fn(sess)
	sess.CallID = callID
	return true
}

// Terminate frees the slot for callID. Terminating a free slot is a no-op.
func (s *Store) Terminate(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[callID]; !ok {
		return false
	}
	delete(s.sessions, callID)
	return true
}

// Len returns the number of occupied slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Capacity returns the table size.
func (s *Store) Capacity() int {
	return s.capacity
}

// List returns copies of all live sessions.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// ExpireStale terminates sessions that never got past call setup within
// setupTimeout, and any session older than maxAge. It returns the sessions
// removed.
func (s *Store) ExpireStale(now time.Time, setupTimeout, maxAge time.Duration) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Session
	for id, sess := range s.sessions {
		age := sess.Age(now)
		inSetup := sess.State == StateFree || sess.State == StateInviteSent || sess.State == StateRinging
		if (inSetup && setupTimeout > 0 && age > setupTimeout) || (maxAge > 0 && age > maxAge) {
			expired = append(expired, *sess)
			delete(s.sessions, id)
		}
	}
	return expired
}
