// Package directory holds the phone identities known to the proxy: entries
// imported from the phonebook plus phones that registered live.
package directory

import (
	"errors"
	"sync"
	"time"
)

// DefaultCapacity bounds directory and dynamic users combined.
const DefaultCapacity = 256

// ErrFull is returned when no slot is left for a new user.
var ErrFull = errors.New("user table full")

// User is one known phone identity.
type User struct {
	UserID      string
	DisplayName string

	// Active is true while the phone is considered registered/reachable.
	Active bool
	// FromDirectory marks entries imported from the phonebook. Directory
	// membership is sticky; dynamic registration is transient.
	FromDirectory bool

	// ExpiresAt is the end of the current dynamic registration, zero for
	// directory-only users.
	ExpiresAt time.Time
}

// Entry is a sanitized phonebook row.
type Entry struct {
	UserID      string
	DisplayName string
}

// Store is a bounded, mutex-guarded user table.
type Store struct {
	mu       sync.RWMutex
	capacity int
	users    map[string]*User
	dynamic  int
	nowFunc  func() time.Time
}

// NewStore creates a store holding at most capacity users.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		users:    make(map[string]*User, capacity),
		nowFunc:  time.Now,
	}
}

// FindActive returns the user only when it is active.
func (s *Store) FindActive(userID string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok || !u.Active {
		return User{}, false
	}
	return *u, true
}

// Find returns the user regardless of its active flag.
func (s *Store) Find(userID string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UpsertRegistration applies a REGISTER for userID.
//
// With expires > 0 the user is found or created and activated. With
// expires == 0 the user is deactivated: purely dynamic users are removed,
// directory users stay listed but inactive. The returned user reflects the
// state after the call; ok is false when the user was removed or unknown.
func (s *Store) UpsertRegistration(userID, displayName string, expires int) (u User, ok bool, err error) {
	if userID == "" {
		return User{}, false, errors.New("upsert registration: empty user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	existing, found := s.users[userID]

	if expires <= 0 {
		if !found {
			return User{}, false, nil
		}
		if !existing.FromDirectory {
			delete(s.users, userID)
			s.dynamic--
			return User{}, false, nil
		}
		existing.Active = false
		existing.ExpiresAt = time.Time{}
		return *existing, true, nil
	}

	expiresAt := now.Add(time.Duration(expires) * time.Second)

	if found {
		if displayName != "" && existing.DisplayName != displayName {
			existing.DisplayName = displayName
		}
		existing.Active = true
		existing.ExpiresAt = expiresAt
		return *existing, true, nil
	}

	if len(s.users) >= s.capacity {
		return User{}, false, ErrFull
	}
	if displayName == "" {
		displayName = userID
	}
	nu := &User{
		UserID:      userID,
		DisplayName: displayName,
		Active:      true,
		ExpiresAt:   expiresAt,
	}
	s.users[userID] = nu
	s.dynamic++
	return *nu, true, nil
}

// BulkReplaceFromDirectory clears the whole table, dynamic registrations
// included, and inserts every entry as an active directory user. Entries
// beyond capacity are dropped; the number inserted is returned.
func (s *Store) BulkReplaceFromDirectory(entries []Entry) int {
	users := make(map[string]*User, s.capacity)
	for _, e := range entries {
		id := Sanitize(e.UserID)
		if id == "" {
			continue
		}
		if _, dup := users[id]; dup {
			continue
		}
		if len(users) >= s.capacity {
			break
		}
		users[id] = &User{
			UserID:        id,
			DisplayName:   Sanitize(e.DisplayName),
			Active:        true,
			FromDirectory: true,
		}
	}

	s.mu.Lock()
	s.users = users
	s.dynamic = 0
	s.mu.Unlock()

	return len(users)
}

// ExpireRegistrations ends dynamic registrations whose window has passed.
// It returns the user IDs affected.
func (s *Store) ExpireRegistrations(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, u := range s.users {
		if u.ExpiresAt.IsZero() || now.Before(u.ExpiresAt) {
			continue
		}
		expired = append(expired, id)
		if u.FromDirectory {
			u.Active = false
			u.ExpiresAt = time.Time{}
			continue
		}
		delete(s.users, id)
		s.dynamic--
	}
	return expired
}

// ActiveUsers returns copies of every active user.
func (s *Store) ActiveUsers() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.Active {
			out = append(out, *u)
		}
	}
	return out
}

// Len returns the number of occupied slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// DynamicCount returns the number of users known only through REGISTER.
func (s *Store) DynamicCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dynamic
}
