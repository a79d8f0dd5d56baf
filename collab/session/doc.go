// Package session provides the in-memory Session Store for the collaboration broker.
//
// The session package implements:
//   - Thread-safe session storage and retrieval
//   - Unique session ID generation
//   - Participant roster, shared document, and chat log per session
//   - Eviction of sessions the moment their roster becomes empty
//   - A janitor pass for sessions that were created but never joined
//
// Core Types:
//
// Manager owns every Session. A Session guards its State (document, roster,
// chat log) with its own mutex, so sessions never contend with each other.
// Callers never hold a State outside of Update or View.
//
// Concurrency:
//
// All reads and writes of a session go through Session.Update or Session.View,
// which run a closure under the session lock. Once a session is evicted it is
// marked closed and every later Update returns ErrSessionNotFound, so a caller
// racing with eviction cannot mutate an orphaned session.
//
// Usage:
//
//	manager := session.NewManager()
//
//	sess, created := manager.GetOrCreate("", "print('hello')")
//
//	err := sess.Update(func(st *session.State) error {
//		st.Document = "print('hi')"
//		return nil
//	})
//
//	manager.RemoveIfEmpty(sess.ID())
package session
