// Package mcp provides a Model Context Protocol front end for the collaboration broker.
//
// The mcp package implements:
//   - MCP server for AI agent integration
//   - Tool definitions that proxy to the broker's REST API
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//   - create_session: Create a session, optionally seeded with code
//   - list_sessions: List active sessions
//   - get_session_info: Participant count of one session
//   - get_session_snapshot: Document, roster and chat log of one session
//
// The client never touches the session store directly, so it can run in a
// separate process from the broker.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//	server.ServeStdio(client.GetMCPServer())
package mcp
