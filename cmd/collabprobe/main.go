// Command collabprobe joins a collaboration session over the wire and prints
// the traffic it sees. It is a smoke test for a running broker: it joins,
// optionally pushes a document and a chat message, then reports every
// envelope received until the wait period ends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
)

// ProbeOptions describes one probe run.
type ProbeOptions struct {
	URL       string
	SessionID string
	UserID    string
	Name      string
	Code      string
	Chat      string
	Wait      time.Duration
}

// ProbeResult summarizes what the probe observed.
type ProbeResult struct {
	SessionID string
	UserID    string
	Users     int
	Received  map[string]int
}

func main() {
	cmd := &cli.Command{
		Name:  "collabprobe",
		Usage: "Join a collaboration session and print its traffic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "Broker WebSocket URL"},
			&cli.StringFlag{Name: "session", Usage: "Session ID to join (empty creates one)"},
			&cli.StringFlag{Name: "user", Usage: "User ID to join as (empty lets the broker assign one)"},
			&cli.StringFlag{Name: "name", Value: "probe", Usage: "Display name"},
			&cli.StringFlag{Name: "code", Usage: "Replace the document with this text after joining"},
			&cli.StringFlag{Name: "chat", Usage: "Post this chat message after joining"},
			&cli.DurationFlag{Name: "wait", Value: 3 * time.Second, Usage: "How long to listen before leaving"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res, err := Probe(ctx, ProbeOptions{
				URL:       cmd.String("url"),
				SessionID: cmd.String("session"),
				UserID:    cmd.String("user"),
				Name:      cmd.String("name"),
				Code:      cmd.String("code"),
				Chat:      cmd.String("chat"),
				Wait:      cmd.Duration("wait"),
			}, os.Stdout)
			if err != nil {
				return err
			}
			printSummary(os.Stdout, res)
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Probe runs one session visit against the broker at opts.URL, writing a line
// per received envelope to out.
func Probe(ctx context.Context, opts ProbeOptions, out io.Writer) (*ProbeResult, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer conn.Close()

	join := map[string]string{"type": "join", "userName": opts.Name}
	if opts.SessionID != "" {
		join["sessionId"] = opts.SessionID
	}
	if opts.UserID != "" {
		join["userId"] = opts.UserID
	}
	if err := conn.WriteJSON(join); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	res := &ProbeResult{Received: map[string]int{}}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for res.SessionID == "" {
		env, err := readEnvelope(conn)
		if err != nil {
			return nil, fmt.Errorf("waiting for joined: %w", err)
		}
		res.Received[env.Type]++
		switch env.Type {
		case "joined":
			res.SessionID = env.SessionID
			res.UserID = env.UserID
			res.Users = len(env.Users)
			fmt.Fprintf(out, "joined session %s as %s (%d participant(s), %d chat message(s), document %d bytes)\n",
				env.SessionID, env.UserID, len(env.Users), len(env.ChatMessages), len(env.Code))
		case "error":
			return nil, fmt.Errorf("broker refused join: %s", env.errorText())
		}
	}

	if opts.Code != "" {
		if err := conn.WriteJSON(map[string]any{"type": "code-change", "code": opts.Code, "timestamp": time.Now().UnixMilli()}); err != nil {
			return nil, fmt.Errorf("send code: %w", err)
		}
		fmt.Fprintf(out, "-> code-change (%d bytes)\n", len(opts.Code))
	}
	if opts.Chat != "" {
		if err := conn.WriteJSON(map[string]string{"type": "chat-message", "message": opts.Chat, "userName": opts.Name}); err != nil {
			return nil, fmt.Errorf("send chat: %w", err)
		}
		fmt.Fprintf(out, "-> chat-message %q\n", opts.Chat)
	}

	deadline := time.Now().Add(opts.Wait)
	conn.SetReadDeadline(deadline)
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return res, err
		}
		res.Received[env.Type]++
		fmt.Fprintf(out, "<- %s\n", env.describe())
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return res, nil
}

// envelope is the union of every outbound field the probe reports on.
type envelope struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"sessionId"`
	UserID       string            `json:"userId"`
	Name         string            `json:"name"`
	NewName      string            `json:"newName"`
	Code         string            `json:"code"`
	Users        []json.RawMessage `json:"users"`
	ChatMessages []json.RawMessage `json:"chatMessages"`
	Message      json.RawMessage   `json:"message"`
}

func readEnvelope(conn *websocket.Conn) (*envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &env, nil
}

func (e *envelope) describe() string {
	switch e.Type {
	case "user-joined":
		return fmt.Sprintf("user-joined %s (%s)", e.Name, e.UserID)
	case "user-left":
		return fmt.Sprintf("user-left %s", e.UserID)
	case "user-update":
		return fmt.Sprintf("user-update %s is now %q", e.UserID, e.NewName)
	case "code-update":
		return fmt.Sprintf("code-update from %s (%d bytes)", e.UserID, len(e.Code))
	case "chat-message":
		var msg struct {
			UserName string `json:"userName"`
			Message  string `json:"message"`
		}
		json.Unmarshal(e.Message, &msg)
		return fmt.Sprintf("chat-message %s: %s", msg.UserName, msg.Message)
	case "error":
		return fmt.Sprintf("error %s", e.errorText())
	default:
		if e.UserID != "" {
			return fmt.Sprintf("%s from %s", e.Type, e.UserID)
		}
		return e.Type
	}
}

func (e *envelope) errorText() string {
	var text string
	json.Unmarshal(e.Message, &text)
	return text
}

func printSummary(w io.Writer, res *ProbeResult) {
	kinds := make([]string, 0, len(res.Received))
	for k := range res.Received {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, res.Received[k]))
	}
	fmt.Fprintf(w, "\nsession %s user %s: %s\n", res.SessionID, res.UserID, strings.Join(parts, " "))
}
