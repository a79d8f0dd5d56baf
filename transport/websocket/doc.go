// Package websocket provides the WebSocket transport of the collaboration broker.
//
// The websocket package implements:
//   - Envelope decoding and encoding for the collaboration protocol
//   - A connection registry mapping connections to session memberships
//   - Session-scoped broadcast with per-user exclusion
//   - Heartbeat supervision of every connection
//   - Message routing onto the session store
//
// Architecture:
//
// A Hub owns one Registry, one Broadcaster and one Router. Each connection
// runs a read loop on the HTTP handler goroutine and a write loop on its own
// goroutine. Envelopes from one connection are handled in arrival order.
//
// Message Protocol:
//
// Every frame carries exactly one JSON object with a "type" field:
//   - Incoming: join, code-change, cursor-move, chat-message, name-change,
//     input-position, ping
//   - Outgoing: joined, user-joined, user-left, user-update, code-update,
//     cursor-update, last-input, chat-message, pong, error
//
// Membership:
//
// A connection becomes bound to a (session, user) pair by a join. Envelopes
// that name a session and user are still honored from an unbound connection,
// which then adopts that binding. Closing the last connection of a user
// removes the user; removing the last user destroys the session.
//
// Usage:
//
//	hub := websocket.NewHub(store, cfg, websocket.Options{Logger: logger})
//	go hub.Run(ctx)
//	http.HandleFunc("/ws", hub.ServeWS)
package websocket
