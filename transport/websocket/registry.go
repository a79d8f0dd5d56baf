package websocket

import "sync"

// Conn is a live connection the broker can deliver envelopes to.
type Conn interface {
	ID() string
	// Send queues data for delivery without blocking.
	Send(data []byte) error
}

// Binding associates a connection with a session membership.
type Binding struct {
	SessionID string
	UserID    string
}

// Registry tracks every live connection and the binding it currently holds.
// It is the only place that maps connections to sessions; sessions know
// user IDs, never connections.
type Registry struct {
	mu sync.RWMutex

	// conns holds every live connection; a nil value means unbound.
	conns map[Conn]*Binding

	// sessions indexes bound connections by session ID, valued by user ID.
	sessions map[string]map[Conn]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[Conn]*Binding),
		sessions: make(map[string]map[Conn]string),
	}
}

// Add registers a live, unbound connection. Adding a known connection is a no-op.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = nil
	}
}

// Remove forgets c entirely and returns the binding it held, if any.
func (r *Registry) Remove(c Conn) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.unbindLocked(c)
	delete(r.conns, c)
	return prev, ok
}

// Bind associates c with (sessionID, userID), replacing any previous binding.
// Unknown connections are added first.
func (r *Registry) Bind(c Conn, sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unbindLocked(c)

	r.conns[c] = &Binding{SessionID: sessionID, UserID: userID}
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[Conn]string)
	}
	r.sessions[sessionID][c] = userID
}

// Unbind clears c's binding but keeps it registered as live.
func (r *Registry) Unbind(c Conn) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(c)
}

func (r *Registry) unbindLocked(c Conn) (Binding, bool) {
	b, known := r.conns[c]
	if !known || b == nil {
		return Binding{}, false
	}

	if clients, ok := r.sessions[b.SessionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(r.sessions, b.SessionID)
		}
	}
	r.conns[c] = nil
	return *b, true
}

// UnbindSession clears every binding to sessionID and returns the affected
// connections. They stay registered as live.
func (r *Registry) UnbindSession(sessionID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.sessions[sessionID]
	out := make([]Conn, 0, len(clients))
	for c := range clients {
		r.conns[c] = nil
		out = append(out, c)
	}
	delete(r.sessions, sessionID)
	return out
}

// BindingOf returns c's current binding.
func (r *Registry) BindingOf(c Conn) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.conns[c]; b != nil {
		return *b, true
	}
	return Binding{}, false
}

// ListBound returns the connections bound to sessionID.
func (r *Registry) ListBound(sessionID string) []Conn {
	return r.ListBoundExcept(sessionID, "")
}

// ListBoundExcept returns the connections bound to sessionID, skipping every
// connection bound to excludeUserID. An empty excludeUserID skips nothing.
func (r *Registry) ListBoundExcept(sessionID, excludeUserID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := r.sessions[sessionID]
	out := make([]Conn, 0, len(clients))
	for c, userID := range clients {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FindByUser returns a connection bound to (sessionID, userID).
func (r *Registry) FindByUser(sessionID, userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c, u := range r.sessions[sessionID] {
		if u == userID {
			return c, true
		}
	}
	return nil, false
}

// ListUnbound returns live connections that are not bound to any session.
func (r *Registry) ListUnbound() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for c, b := range r.conns {
		if b == nil {
			out = append(out, c)
		}
	}
	return out
}

// All returns every live connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
