// Package events publishes session lifecycle events to external consumers.
//
// The broker emits an Event whenever a session is created or evicted, a
// participant joins or leaves, or a chat message is posted. Events are
// informational: publishing never blocks or fails a client operation.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	SessionCreated    Type = "session-created"
	SessionEvicted    Type = "session-evicted"
	ParticipantJoined Type = "participant-joined"
	ParticipantLeft   Type = "participant-left"
	ChatPosted        Type = "chat-posted"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Text      string    `json:"text,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to a logger at debug level.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a Publisher backed by logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.DebugContext(ctx, "session event",
		slog.String("type", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
		slog.String("user_id", ev.UserID),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
