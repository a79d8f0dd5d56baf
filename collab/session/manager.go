package session

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidSessionID    = errors.New("invalid session ID")
)

const maxSessionIDLength = 64

// Manager handles collaboration session lifecycle
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	onEvict func(id string)
}

// NewManager creates a new session manager
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// OnEvict registers fn to run whenever a session is evicted, replacing any
// earlier hook. fn runs under the evicted session's lock before the ID is
// released, so it must not call back into the Manager.
func (m *Manager) OnEvict(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// ValidID reports whether id can name a session.
func ValidID(id string) bool {
	if id == "" || len(id) > maxSessionIDLength {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/'
	}) < 0
}

// GetOrCreate returns the session with the given ID, creating it with
// initialDocument when absent. An empty id generates a fresh one. When the
// session already exists initialDocument is discarded. The second result
// reports whether the session was created by this call.
func (m *Manager) GetOrCreate(id, initialDocument string) (*Session, bool, error) {
	if id != "" && !ValidID(id) {
		return nil, false, ErrInvalidSessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = m.generateSessionIDLocked()
	}
	if s, ok := m.sessions[id]; ok {
		return s, false, nil
	}

	s := newSession(id, initialDocument)
	m.sessions[id] = s
	return s, true, nil
}

// Enter is GetOrCreate followed by Update, retried if the session is
// evicted between the lookup and the lock. fn therefore always runs against
// a live session that is reachable from the store.
func (m *Manager) Enter(id, initialDocument string, fn func(s *Session, st *State) error) (*Session, bool, error) {
	for {
		s, created, err := m.GetOrCreate(id, initialDocument)
		if err != nil {
			return nil, false, err
		}
		if id == "" {
			id = s.ID()
		}

		err = s.Update(func(st *State) error { return fn(s, st) })
		if errors.Is(err, ErrSessionNotFound) {
			// Evicted after lookup; the next GetOrCreate makes a fresh one.
			continue
		}
		return s, created, err
	}
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, exists := m.sessions[id]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Leave runs fn under the session lock and then evicts the session if its
// roster is empty. It reports whether the session was evicted.
func (m *Manager) Leave(id string, fn func(st *State) error) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionNotFound
	}
	if err := fn(&s.state); err != nil {
		return false, err
	}
	return m.evictIfEmptyLocked(s), nil
}

// RemoveIfEmpty evicts the session if it has no participants. It is a no-op
// for unknown or already removed IDs.
func (m *Manager) RemoveIfEmpty(id string) bool {
	s, err := m.Get(id)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return m.evictIfEmptyLocked(s)
}

// evictIfEmptyLocked must be called with s.mu held.
func (m *Manager) evictIfEmptyLocked(s *Session) bool {
	if len(s.state.participants) > 0 {
		return false
	}

	m.mu.RLock()
	hook := m.onEvict
	m.mu.RUnlock()
	if hook != nil {
		hook(s.id)
	}

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	s.closed = true
	return true
}

// List returns all active sessions
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle evicts sessions that were created more than maxAge ago and
// never gained a participant. It returns the IDs it removed.
func (m *Manager) CleanupIdle(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	var removed []string
	for _, s := range m.List() {
		if !s.createdAt.Before(cutoff) {
			continue
		}
		s.mu.Lock()
		if !s.closed && m.evictIfEmptyLocked(s) {
			removed = append(removed, s.id)
		}
		s.mu.Unlock()
	}
	return removed
}

// generateSessionIDLocked returns a random 12-character ID not currently in use.
func (m *Manager) generateSessionIDLocked() string {
	for {
		id := randomHex(6)
		if _, exists := m.sessions[id]; !exists {
			return id
		}
	}
}
