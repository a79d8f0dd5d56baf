package session

import (
	"sync"
	"time"
)

// State is the mutable content of a session. It is only reachable inside
// Session.Update and Session.View.
type State struct {
	// Document is replaced wholesale on every accepted edit.
	Document string

	participants []*Participant
	chatLog      []ChatMessage
}

// Participant returns the roster entry for userID.
func (st *State) Participant(userID string) (*Participant, bool) {
	for _, p := range st.participants {
		if p.ID == userID {
			return p, true
		}
	}
	return nil, false
}

// Join inserts a participant or, when userID is already on the roster,
// renames the existing entry in place. The color of an existing entry is
// kept. It reports whether the participant is new.
func (st *State) Join(userID, name, color string) (*Participant, bool) {
	if p, ok := st.Participant(userID); ok {
		p.Name = name
		return p, false
	}
	p := &Participant{ID: userID, Name: name, Color: color}
	st.participants = append(st.participants, p)
	return p, true
}

// Remove deletes userID from the roster and reports whether it was present.
func (st *State) Remove(userID string) bool {
	for i, p := range st.participants {
		if p.ID == userID {
			st.participants = append(st.participants[:i], st.participants[i+1:]...)
			return true
		}
	}
	return false
}

// MoveCursor stores cursor for userID and reports whether it changed.
// Unknown users are not added; the caller decides how to handle them.
func (st *State) MoveCursor(userID string, cursor Cursor) (changed bool, err error) {
	p, ok := st.Participant(userID)
	if !ok {
		return false, ErrParticipantNotFound
	}
	if p.Cursor == cursor {
		return false, nil
	}
	p.Cursor = cursor
	return true, nil
}

// Rename changes the display name of userID.
func (st *State) Rename(userID, name string) error {
	p, ok := st.Participant(userID)
	if !ok {
		return ErrParticipantNotFound
	}
	p.Name = name
	return nil
}

// AppendChat adds msg to the end of the chat log.
func (st *State) AppendChat(msg ChatMessage) {
	st.chatLog = append(st.chatLog, msg)
}

// Participants returns a copy of the roster in join order.
func (st *State) Participants() []Participant {
	out := make([]Participant, len(st.participants))
	for i, p := range st.participants {
		out[i] = *p
	}
	return out
}

// ParticipantCount returns the roster size.
func (st *State) ParticipantCount() int {
	return len(st.participants)
}

// ChatLog returns a copy of the chat log in append order.
func (st *State) ChatLog() []ChatMessage {
	out := make([]ChatMessage, len(st.chatLog))
	copy(out, st.chatLog)
	return out
}

// Session is a collaborative editing context: one document, one roster, one
// chat log. Sessions are created and evicted by Manager only.
type Session struct {
	id        string
	createdAt time.Time

	mu     sync.Mutex
	state  State
	closed bool
}

func newSession(id, document string) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now(),
		state:     State{Document: document},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Update runs fn with exclusive access to the session state. It returns
// ErrSessionNotFound without calling fn if the session has been evicted.
func (s *Session) Update(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	return fn(&s.state)
}

// View runs fn with the session locked. fn must not modify st.
func (s *Session) View(fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	fn(&s.state)
	return nil
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID        string    `json:"sessionId"`
	UserCount int       `json:"userCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Info summarizes the session. It returns ErrSessionNotFound once evicted.
func (s *Session) Info() (Info, error) {
	info := Info{ID: s.id, CreatedAt: s.createdAt}
	err := s.View(func(st *State) {
		info.UserCount = st.ParticipantCount()
	})
	return info, err
}

// Snapshot is a deep copy of a session's state.
type Snapshot struct {
	ID           string
	Document     string
	Participants []Participant
	ChatLog      []ChatMessage
}

// Snapshot copies the session state.
func (s *Session) Snapshot() (Snapshot, error) {
	snap := Snapshot{ID: s.id}
	err := s.View(func(st *State) {
		snap.Document = st.Document
		snap.Participants = st.Participants()
		snap.ChatLog = st.ChatLog()
	})
	return snap, err
}
