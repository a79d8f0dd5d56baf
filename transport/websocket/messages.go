package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wricardo/collabcode/collab/session"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownKind       = errors.New("unknown message type")
)

// Kind is the "type" tag of an envelope.
type Kind string

const (
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindJoin          Kind = "join"
	KindJoined        Kind = "joined"
	KindUserJoined    Kind = "user-joined"
	KindUserLeft      Kind = "user-left"
	KindUserUpdate    Kind = "user-update"
	KindCodeChange    Kind = "code-change"
	KindCodeUpdate    Kind = "code-update"
	KindCursorMove    Kind = "cursor-move"
	KindCursorUpdate  Kind = "cursor-update"
	KindChatMessage   Kind = "chat-message"
	KindNameChange    Kind = "name-change"
	KindInputPosition Kind = "input-position"
	KindLastInput     Kind = "last-input"
	KindError         Kind = "error"
)

// Target carries the session and user a client believes it belongs to. The
// broker prefers the connection binding and only falls back to these.
type Target struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// Inbound is implemented by every client-to-broker envelope.
type Inbound interface {
	Kind() Kind
	validate() error
}

// Join asks to enter a session, creating it when SessionID is empty or unknown.
type Join struct {
	SessionID   string `json:"sessionId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	InitialCode string `json:"initialCode,omitempty"`
}

// CodeChange replaces the session document.
type CodeChange struct {
	Target
	Code      *string `json:"code"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// CursorMove reports the sender's cursor.
type CursorMove struct {
	Target
	UserName  string          `json:"userName,omitempty"`
	Color     string          `json:"color,omitempty"`
	Cursor    *session.Cursor `json:"cursor"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ChatSend posts a chat message.
type ChatSend struct {
	Target
	UserName string `json:"userName,omitempty"`
	Message  string `json:"message"`
}

// NameChange renames the sender.
type NameChange struct {
	Target
	NewName string `json:"newName"`
}

// InputPosition reports where the sender last typed.
type InputPosition struct {
	Target
	UserName string          `json:"userName,omitempty"`
	Position *session.Cursor `json:"position"`
}

// Ping is the application-level liveness probe.
type Ping struct {
	Target
}

func (*Join) Kind() Kind          { return KindJoin }
func (*CodeChange) Kind() Kind    { return KindCodeChange }
func (*CursorMove) Kind() Kind    { return KindCursorMove }
func (*ChatSend) Kind() Kind      { return KindChatMessage }
func (*NameChange) Kind() Kind    { return KindNameChange }
func (*InputPosition) Kind() Kind { return KindInputPosition }
func (*Ping) Kind() Kind          { return KindPing }

func (*Join) validate() error { return nil }
func (*Ping) validate() error { return nil }

func (m *CodeChange) validate() error {
	if m.Code == nil {
		return fmt.Errorf("%w: code is required", ErrMalformedEnvelope)
	}
	return nil
}

func (m *CursorMove) validate() error {
	if m.Cursor == nil {
		return fmt.Errorf("%w: cursor is required", ErrMalformedEnvelope)
	}
	return nil
}

func (m *ChatSend) validate() error {
	if m.Message == "" {
		return fmt.Errorf("%w: message is required", ErrMalformedEnvelope)
	}
	return nil
}

func (m *NameChange) validate() error {
	if m.NewName == "" {
		return fmt.Errorf("%w: newName is required", ErrMalformedEnvelope)
	}
	return nil
}

func (m *InputPosition) validate() error {
	if m.Position == nil {
		return fmt.Errorf("%w: position is required", ErrMalformedEnvelope)
	}
	return nil
}

// Decode parses one inbound envelope. The error wraps ErrMalformedEnvelope
// or ErrUnknownKind.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var msg Inbound
	switch head.Type {
	case KindJoin:
		msg = &Join{}
	case KindCodeChange:
		msg = &CodeChange{}
	case KindCursorMove:
		msg = &CursorMove{}
	case KindChatMessage:
		msg = &ChatSend{}
	case KindNameChange:
		msg = &NameChange{}
	case KindInputPosition:
		msg = &InputPosition{}
	case KindPing:
		msg = &Ping{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Outbound is implemented by every broker-to-client envelope.
type Outbound interface {
	Kind() Kind
}

// Joined is the snapshot sent only to a client that just joined.
type Joined struct {
	Type         Kind                  `json:"type"`
	SessionID    string                `json:"sessionId"`
	UserID       string                `json:"userId"`
	Color        string                `json:"color"`
	Users        []session.Participant `json:"users"`
	Code         string                `json:"code"`
	ChatMessages []session.ChatMessage `json:"chatMessages"`
}

type UserJoined struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

type UserLeft struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userId"`
}

type UserUpdate struct {
	Type    Kind   `json:"type"`
	UserID  string `json:"userId"`
	NewName string `json:"newName"`
}

type CodeUpdate struct {
	Type      Kind   `json:"type"`
	UserID    string `json:"userId"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

type CursorUpdate struct {
	Type      Kind           `json:"type"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Cursor    session.Cursor `json:"cursor"`
	Timestamp int64          `json:"timestamp"`
}

type LastInput struct {
	Type     Kind           `json:"type"`
	UserID   string         `json:"userId"`
	UserName string         `json:"userName"`
	Position session.Cursor `json:"position"`
}

// ChatBroadcast wraps a chat log entry; it is echoed to the sender too.
type ChatBroadcast struct {
	Type    Kind                `json:"type"`
	Message session.ChatMessage `json:"message"`
}

type Pong struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

type Error struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

func (Joined) Kind() Kind        { return KindJoined }
func (UserJoined) Kind() Kind    { return KindUserJoined }
func (UserLeft) Kind() Kind      { return KindUserLeft }
func (UserUpdate) Kind() Kind    { return KindUserUpdate }
func (CodeUpdate) Kind() Kind    { return KindCodeUpdate }
func (CursorUpdate) Kind() Kind  { return KindCursorUpdate }
func (LastInput) Kind() Kind     { return KindLastInput }
func (ChatBroadcast) Kind() Kind { return KindChatMessage }
func (Pong) Kind() Kind          { return KindPong }
func (Error) Kind() Kind         { return KindError }

// Encode serializes msg, filling in its type tag.
func Encode(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case *Joined:
		m.Type = KindJoined
	case *UserJoined:
		m.Type = KindUserJoined
	case *UserLeft:
		m.Type = KindUserLeft
	case *UserUpdate:
		m.Type = KindUserUpdate
	case *CodeUpdate:
		m.Type = KindCodeUpdate
	case *CursorUpdate:
		m.Type = KindCursorUpdate
	case *LastInput:
		m.Type = KindLastInput
	case *ChatBroadcast:
		m.Type = KindChatMessage
	case *Pong:
		m.Type = KindPong
	case *Error:
		m.Type = KindError
	default:
		return nil, fmt.Errorf("encode %T: outbound envelopes must be pointers", msg)
	}
	return json.Marshal(msg)
}
