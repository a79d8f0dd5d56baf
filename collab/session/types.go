package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"time"
)

// Palette is the fixed set of participant colors.
var Palette = []string{
	"#FF5733", "#33FF57", "#3357FF", "#FF33A8",
	"#33FFF5", "#F5FF33", "#FF8333", "#33FFB5",
	"#B533FF", "#FF33B5",
}

// PickColor returns a pseudorandom color from Palette.
func PickColor() string {
	return Palette[mrand.IntN(len(Palette))]
}

// Cursor is a zero-based position in the document. Ch is the column.
type Cursor struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

// Participant is a user's presence record within one session.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Cursor    Cursor `json:"cursor"`
	LastInput Cursor `json:"lastInput"`
}

// ChatMessage is an immutable entry of a session's chat log.
type ChatMessage struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Text     string `json:"message"`
	// SentAt is Unix milliseconds.
	SentAt int64 `json:"timestamp"`
}

// NewChatMessage builds a chat message stamped with now.
func NewChatMessage(userID, userName, text string, now time.Time) ChatMessage {
	return ChatMessage{
		ID:       newMessageID(now),
		UserID:   userID,
		UserName: userName,
		Text:     text,
		SentAt:   now.UnixMilli(),
	}
}

func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg-%d-%s", now.UnixMilli(), randomHex(5))
}

// randomHex returns 2n lowercase hex characters from crypto/rand.
func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
