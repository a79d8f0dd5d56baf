// Package api provides the HTTP surface of the collaboration broker.
//
// The api package implements:
//   - Session creation and lookup endpoints
//   - A read-only session snapshot for tooling
//   - The WebSocket mount point
//   - Static file serving for a bundled editor frontend
//
// Endpoints:
//
// Session Management:
//   - POST /api/sessions - Create a session, optionally seeded with initialCode
//   - GET /api/sessions - List sessions (order=asc|desc, limit=N)
//   - GET /api/sessions/{id} - Session ID and participant count
//   - GET /api/sessions/{id}/snapshot - Document, roster and chat log
//
// Operations:
//   - GET /api/health - Session and connection counts
//   - GET /ws - WebSocket upgrade, see package transport/websocket
//
// Usage:
//
//	hub := websocket.NewHub(store, cfg, websocket.Options{Logger: logger})
//	srv := api.NewServer(store, hub, api.Options{Logger: logger})
//	http.ListenAndServe(":8080", srv)
//
// Error Handling:
//
// Errors are returned as JSON with an appropriate HTTP status code:
//
//	{"error": "Session not found"}
package api
