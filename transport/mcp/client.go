package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/collabcode/collab/session"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Collaborative Code Broker",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Collaborative Code Broker - MCP Interface

This is a thin client that proxies all requests to the broker's REST API.
Editing itself happens over the broker's WebSocket endpoint; these tools let
you prepare sessions and inspect what collaborators are doing.

AVAILABLE TOOLS:
- create_session: Create a session, optionally seeded with code
- list_sessions: List active sessions with participant counts
- get_session_info: Participant count of one session
- get_session_snapshot: Current document, participants and chat log of one session

Share a session ID with collaborators so their editors can join it.`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "create_session",
		Description: "Create a new collaboration session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"initial_code": map[string]interface{}{
					"type":        "string",
					"description": "Document the session starts with (optional)",
				},
			},
		},
	}, c.handleCreateSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all active collaboration sessions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"order": map[string]interface{}{
					"type":        "string",
					"description": "Sort by creation time: asc or desc (default desc)",
					"enum":        []string{"asc", "desc"},
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of sessions to return",
				},
			},
		},
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session_info",
		Description: "Get the participant count of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session ID to retrieve",
				},
			},
			Required: []string{"session_id"},
		},
	}, c.handleGetSessionInfo)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session_snapshot",
		Description: "Get the current document, participants and chat log of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session ID to inspect",
				},
			},
			Required: []string{"session_id"},
		},
	}, c.handleGetSnapshot)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// Tool handlers

func (c *Client) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	initialCode, _ := arguments(request)["initial_code"].(string)

	body := map[string]string{}
	if initialCode != "" {
		body["initialCode"] = initialCode
	}

	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.apiCall(ctx, "POST", "/api/sessions", body, &created); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Created session: %s\nJoin it with {\"type\":\"join\",\"sessionId\":%q}\n", created.SessionID, created.SessionID)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	query := url.Values{}
	if order, _ := args["order"].(string); order != "" {
		query.Set("order", order)
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", int(limit)))
	}
	path := "/api/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var list struct {
		Count    int            `json:"count"`
		Total    int            `json:"total"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := c.apiCall(ctx, "GET", path, nil, &list); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSessionList(list.Sessions, list.Total)), nil
}

func (c *Client) handleGetSessionInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, _ := arguments(request)["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	var info session.Info
	if err := c.apiCall(ctx, "GET", "/api/sessions/"+url.PathEscape(sessionID), nil, &info); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session: %s\nParticipants: %d\n", info.ID, info.UserCount)), nil
}

func (c *Client) handleGetSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, _ := arguments(request)["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	var snap snapshotResponse
	if err := c.apiCall(ctx, "GET", "/api/sessions/"+url.PathEscape(sessionID)+"/snapshot", nil, &snap); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSnapshot(&snap)), nil
}

type snapshotResponse struct {
	SessionID    string                `json:"sessionId"`
	Code         string                `json:"code"`
	Users        []session.Participant `json:"users"`
	ChatMessages []session.ChatMessage `json:"chatMessages"`
}

func formatSessionList(sessions []session.Info, total int) string {
	if len(sessions) == 0 {
		return "No active sessions.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions (%d of %d):\n", len(sessions), total)
	for _, s := range sessions {
		fmt.Fprintf(&b, "- %s: %d participant(s), created %s\n", s.ID, s.UserCount, s.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

func formatSnapshot(snap *snapshotResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", snap.SessionID)

	fmt.Fprintf(&b, "\nParticipants (%d):\n", len(snap.Users))
	for _, p := range snap.Users {
		fmt.Fprintf(&b, "- %s (%s) cursor %d:%d\n", p.Name, p.ID, p.Cursor.Line+1, p.Cursor.Ch+1)
	}

	lines := 0
	if snap.Code != "" {
		lines = strings.Count(snap.Code, "\n") + 1
	}
	fmt.Fprintf(&b, "\nDocument (%d lines):\n```\n%s\n```\n", lines, snap.Code)

	if len(snap.ChatMessages) > 0 {
		fmt.Fprintf(&b, "\nChat (%d):\n", len(snap.ChatMessages))
		for _, m := range snap.ChatMessages {
			at := time.UnixMilli(m.SentAt).UTC().Format("15:04:05")
			fmt.Fprintf(&b, "[%s] %s: %s\n", at, m.UserName, m.Text)
		}
	}
	return b.String()
}
