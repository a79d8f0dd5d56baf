package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wricardo/collabcode/collab/events"
	"github.com/wricardo/collabcode/collab/session"
	"github.com/wricardo/collabcode/internal/logctx"
)

var ErrUnresolved = errors.New("envelope does not resolve to a session member")

const (
	msgInvalidFormat   = "Invalid message format"
	msgSessionNotFound = "Session not found or invalid. Please refresh and try again."
	msgInvalidSession  = "Invalid session ID"
	msgUserNotFound    = "User not found in session"
)

const eventPublishTimeout = 2 * time.Second

// Router decodes inbound envelopes and applies them to the session store.
// Handle is called by one goroutine per connection, so envelopes from the
// same connection are processed in arrival order.
type Router struct {
	store       *session.Manager
	registry    *Registry
	broadcaster *Broadcaster
	events      events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewRouter wires a router over explicitly owned stores. Evicting a session
// from store clears every registry binding that still points at it.
func NewRouter(store *session.Manager, registry *Registry, broadcaster *Broadcaster, publisher events.Publisher, logger *slog.Logger) *Router {
	if publisher == nil {
		publisher = events.Nop{}
	}
	rt := &Router{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		events:      publisher,
		logger:      logger,
		now:         time.Now,
	}
	store.OnEvict(rt.releaseSession)
	return rt
}

// releaseSession runs under the evicted session's lock.
func (rt *Router) releaseSession(sessionID string) {
	if stale := rt.registry.UnbindSession(sessionID); len(stale) > 0 {
		rt.logger.Warn("cleared bindings of evicted session",
			slog.String("session_id", sessionID),
			slog.Int("connections", len(stale)),
		)
	}
}

// Handle processes one raw envelope from c. Failures are reported to c and
// never close the connection.
func (rt *Router) Handle(ctx context.Context, c Conn, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		rt.logger.WarnContext(ctx, "rejected envelope", slog.Any("error", err))
		reply := msgInvalidFormat
		if errors.Is(err, ErrUnknownKind) {
			reply = "Unknown message type"
		}
		rt.replyError(ctx, c, reply)
		return
	}

	ctx = logctx.WithEnvelope(ctx, string(msg.Kind()))

	switch m := msg.(type) {
	case *Join:
		rt.join(ctx, c, m)
	case *CodeChange:
		rt.codeChange(ctx, c, m)
	case *CursorMove:
		rt.cursorMove(ctx, c, m)
	case *ChatSend:
		rt.chat(ctx, c, m)
	case *NameChange:
		rt.nameChange(ctx, c, m)
	case *InputPosition:
		rt.inputPosition(ctx, c, m)
	case *Ping:
		rt.broadcaster.Reply(ctx, c, &Pong{Timestamp: rt.now().UnixMilli()})
	default:
		rt.logger.ErrorContext(ctx, "no handler for envelope", slog.String("kind", string(msg.Kind())))
		rt.replyError(ctx, c, "Unknown message type")
	}
}

// Disconnect forgets c and performs the departure of its participant.
func (rt *Router) Disconnect(ctx context.Context, c Conn) {
	b, ok := rt.registry.Remove(c)
	if !ok {
		rt.logger.DebugContext(ctx, "unbound connection closed")
		return
	}
	rt.depart(ctx, b)
}

// depart removes b's participant unless another live connection still holds
// the same membership, broadcasts user-left, and evicts an emptied session.
func (rt *Router) depart(ctx context.Context, b Binding) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	removed := false
	evicted, err := rt.store.Leave(b.SessionID, func(st *session.State) error {
		if _, ok := rt.registry.FindByUser(b.SessionID, b.UserID); ok {
			return nil
		}
		if !st.Remove(b.UserID) {
			return nil
		}
		removed = true
		rt.broadcaster.Broadcast(ctx, b.SessionID, &UserLeft{UserID: b.UserID}, "")
		return nil
	})
	if err != nil {
		rt.logger.DebugContext(ctx, "departure from missing session", slog.Any("error", err))
		return
	}

	if removed {
		rt.logger.InfoContext(ctx, "participant left")
		rt.publish(ctx, events.Event{Type: events.ParticipantLeft, SessionID: b.SessionID, UserID: b.UserID})
	}
	if evicted {
		rt.logger.InfoContext(ctx, "session evicted")
		rt.publish(ctx, events.Event{Type: events.SessionEvicted, SessionID: b.SessionID})
	}
}

func (rt *Router) join(ctx context.Context, c Conn, m *Join) {
	userID := m.UserID
	if userID == "" {
		userID = "user-" + uuid.NewString()
	}
	userName := strings.TrimSpace(m.UserName)
	if userName == "" {
		userName = fmt.Sprintf("User %d", mrand.IntN(1000))
	}

	if old, ok := rt.registry.Unbind(c); ok {
		if old.SessionID != m.SessionID || old.UserID != userID {
			rt.depart(ctx, old)
		}
	}

	var joined *Joined
	sess, created, err := rt.store.Enter(m.SessionID, m.InitialCode, func(s *session.Session, st *session.State) error {
		p, _ := st.Join(userID, userName, session.PickColor())
		rt.registry.Bind(c, s.ID(), userID)

		joined = &Joined{
			SessionID:    s.ID(),
			UserID:       userID,
			Color:        p.Color,
			Users:        st.Participants(),
			Code:         st.Document,
			ChatMessages: st.ChatLog(),
		}
		rt.broadcaster.Reply(ctx, c, joined)
		rt.broadcaster.Broadcast(ctx, s.ID(), &UserJoined{UserID: userID, Name: p.Name, Color: p.Color}, userID)
		return nil
	})
	if err != nil {
		rt.logger.WarnContext(ctx, "join rejected", slog.String("session_id", m.SessionID), slog.Any("error", err))
		if errors.Is(err, session.ErrInvalidSessionID) {
			rt.replyError(ctx, c, msgInvalidSession)
		} else {
			rt.replyError(ctx, c, msgSessionNotFound)
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: userID})
	rt.logger.InfoContext(ctx, "participant joined",
		slog.String("name", userName),
		slog.Bool("created", created),
		slog.Int("participants", len(joined.Users)),
	)
	if created {
		rt.publish(ctx, events.Event{Type: events.SessionCreated, SessionID: sess.ID()})
	}
	rt.publish(ctx, events.Event{Type: events.ParticipantJoined, SessionID: sess.ID(), UserID: userID, UserName: userName})
}

func (rt *Router) codeChange(ctx context.Context, c Conn, m *CodeChange) {
	sess, b, adopt, err := rt.resolve(ctx, c, m.Target)
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	ts := m.Timestamp
	if ts == 0 {
		ts = rt.now().UnixMilli()
	}

	err = sess.Update(func(st *session.State) error {
		if adopt {
			if err := rt.adoptLocked(ctx, c, st, b); err != nil {
				return err
			}
		}
		st.Document = *m.Code
		rt.broadcaster.Broadcast(ctx, b.SessionID, &CodeUpdate{UserID: b.UserID, Code: *m.Code, Timestamp: ts}, b.UserID)
		return nil
	})
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}
	rt.logger.DebugContext(ctx, "document replaced", slog.Int("length", len(*m.Code)))
}

func (rt *Router) cursorMove(ctx context.Context, c Conn, m *CursorMove) {
	sess, b, adopt, err := rt.resolve(ctx, c, m.Target)
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	ts := m.Timestamp
	if ts == 0 {
		ts = rt.now().UnixMilli()
	}

	err = sess.Update(func(st *session.State) error {
		changed, err := st.MoveCursor(b.UserID, *m.Cursor)
		if errors.Is(err, session.ErrParticipantNotFound) {
			// The binding raced ahead of the roster; keep the user visible.
			p, _ := st.Join(b.UserID, placeholderName(m.UserName, b.UserID), pickOr(m.Color))
			p.Cursor = *m.Cursor
			changed = true
			rt.logger.InfoContext(ctx, "added missing participant from cursor traffic")
		}
		if adopt {
			// The participant exists now, restored above if it was missing.
			rt.adoptLocked(ctx, c, st, b)
		}
		if !changed {
			return nil
		}
		p, _ := st.Participant(b.UserID)
		rt.broadcaster.Broadcast(ctx, b.SessionID, &CursorUpdate{
			UserID:    b.UserID,
			UserName:  p.Name,
			Cursor:    p.Cursor,
			Timestamp: ts,
		}, b.UserID)
		return nil
	})
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
	}
}

func (rt *Router) chat(ctx context.Context, c Conn, m *ChatSend) {
	sess, b, adopt, err := rt.resolve(ctx, c, m.Target)
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	var msg session.ChatMessage
	err = sess.Update(func(st *session.State) error {
		if adopt {
			if err := rt.adoptLocked(ctx, c, st, b); err != nil {
				return err
			}
		}
		name := m.UserName
		if p, ok := st.Participant(b.UserID); ok {
			name = p.Name
		}
		if name == "" {
			name = "Unknown User"
		}

		msg = session.NewChatMessage(b.UserID, name, m.Message, rt.now())
		st.AppendChat(msg)
		rt.broadcaster.Broadcast(ctx, b.SessionID, &ChatBroadcast{Message: msg}, "")
		return nil
	})
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}

	rt.logger.InfoContext(ctx, "chat message", slog.String("preview", preview(m.Message, 30)))
	rt.publish(ctx, events.Event{Type: events.ChatPosted, SessionID: b.SessionID, UserID: b.UserID, UserName: msg.UserName, Text: msg.Text})
}

func (rt *Router) nameChange(ctx context.Context, c Conn, m *NameChange) {
	sess, b, adopt, err := rt.resolve(ctx, c, m.Target)
	if err != nil {
		rt.rejectUnresolved(ctx, c, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	err = sess.Update(func(st *session.State) error {
		if adopt {
			if err := rt.adoptLocked(ctx, c, st, b); err != nil {
				return err
			}
		}
		if err := st.Rename(b.UserID, m.NewName); err != nil {
			return err
		}
		rt.broadcaster.Broadcast(ctx, b.SessionID, &UserUpdate{UserID: b.UserID, NewName: m.NewName}, b.UserID)
		return nil
	})
	switch {
	case errors.Is(err, session.ErrParticipantNotFound):
		rt.logger.WarnContext(ctx, "rename for unknown participant")
		rt.replyError(ctx, c, msgUserNotFound)
	case err != nil:
		rt.rejectUnresolved(ctx, c, err)
	default:
		rt.logger.InfoContext(ctx, "participant renamed", slog.String("name", m.NewName))
	}
}

func (rt *Router) inputPosition(ctx context.Context, c Conn, m *InputPosition) {
	sess, b, adopt, err := rt.resolve(ctx, c, m.Target)
	if err != nil {
		// Input positions are advisory; unresolved ones are dropped quietly.
		rt.logger.DebugContext(ctx, "dropped input position", slog.Any("error", err))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: b.SessionID, UserID: b.UserID})

	sess.Update(func(st *session.State) error {
		p, ok := st.Participant(b.UserID)
		if !ok {
			return nil
		}
		if adopt {
			rt.adoptLocked(ctx, c, st, b)
		}
		p.LastInput = *m.Position
		name := p.Name
		if m.UserName != "" {
			name = m.UserName
		}
		rt.broadcaster.Broadcast(ctx, b.SessionID, &LastInput{UserID: b.UserID, UserName: name, Position: p.LastInput}, b.UserID)
		return nil
	})
}

// resolve finds the session and user an envelope acts for. The connection
// binding wins; the envelope's own IDs are used while the binding lags. The
// adopt result reports that the IDs came from the envelope, in which case
// the handler binds c with adoptLocked once the user is known to the session.
func (rt *Router) resolve(ctx context.Context, c Conn, t Target) (sess *session.Session, b Binding, adopt bool, err error) {
	b, bound := rt.registry.BindingOf(c)
	if !bound {
		b = Binding{SessionID: t.SessionID, UserID: t.UserID}
	}

	if b.SessionID == "" {
		return nil, b, false, fmt.Errorf("%w: no session", ErrUnresolved)
	}
	sess, err = rt.store.Get(b.SessionID)
	if err != nil {
		return nil, b, false, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	if b.UserID == "" {
		return nil, b, false, fmt.Errorf("%w: no user", ErrUnresolved)
	}
	return sess, b, !bound, nil
}

// adoptLocked binds c to b if b's user is a participant of st. It runs under
// the session lock, so the binding cannot outlive the session.
func (rt *Router) adoptLocked(ctx context.Context, c Conn, st *session.State, b Binding) error {
	if _, ok := st.Participant(b.UserID); !ok {
		return fmt.Errorf("%w: %w", ErrUnresolved, session.ErrParticipantNotFound)
	}
	rt.registry.Bind(c, b.SessionID, b.UserID)
	rt.logger.InfoContext(ctx, "adopted binding from envelope",
		slog.String("session_id", b.SessionID),
		slog.String("user_id", b.UserID),
	)
	return nil
}

func (rt *Router) rejectUnresolved(ctx context.Context, c Conn, err error) {
	rt.logger.WarnContext(ctx, "envelope not applied", slog.Any("error", err))
	if errors.Is(err, session.ErrParticipantNotFound) {
		rt.replyError(ctx, c, msgUserNotFound)
		return
	}
	rt.replyError(ctx, c, msgSessionNotFound)
}

func (rt *Router) replyError(ctx context.Context, c Conn, message string) {
	rt.broadcaster.Reply(ctx, c, &Error{Message: message})
}

func (rt *Router) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = rt.now()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := rt.events.Publish(pctx, ev); err != nil {
		rt.logger.WarnContext(ctx, "failed to publish event", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

func placeholderName(name, userID string) string {
	if name != "" {
		return name
	}
	if _, suffix, ok := strings.Cut(userID, "-"); ok && suffix != "" {
		return "User " + suffix
	}
	return "User Unknown"
}

func pickOr(color string) string {
	if color != "" {
		return color
	}
	return session.PickColor()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
