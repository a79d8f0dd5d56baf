package websocket

import (
	"context"
	"log/slog"
)

// Broadcaster fans envelopes out to the connections bound to a session.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast delivers msg to every connection bound to sessionID except those
// bound to excludeUserID, and returns how many deliveries were queued. The
// caller guarantees the session exists.
//
// When nobody in the session is left to receive a code update, the update is
// also offered to live connections that have not joined yet. No other kind
// ever reaches an unbound connection.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID string, msg Outbound, excludeUserID string) int {
	targets := b.registry.ListBoundExcept(sessionID, excludeUserID)
	if len(targets) == 0 && msg.Kind() == KindCodeUpdate {
		targets = b.registry.ListUnbound()
		if len(targets) > 0 {
			b.logger.WarnContext(ctx, "no bound recipients, offering code update to unbound connections",
				slog.String("session_id", sessionID),
				slog.Int("candidates", len(targets)),
			)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	data, err := Encode(msg)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode broadcast", slog.Any("error", err))
		return 0
	}

	sent := 0
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			b.logger.WarnContext(ctx, "broadcast delivery failed",
				slog.String("session_id", sessionID),
				slog.String("kind", string(msg.Kind())),
				slog.String("target_conn", c.ID()),
				slog.Any("error", err),
			)
			continue
		}
		sent++
	}

	if msg.Kind() != KindCursorUpdate && msg.Kind() != KindLastInput {
		b.logger.DebugContext(ctx, "broadcast",
			slog.String("session_id", sessionID),
			slog.String("kind", string(msg.Kind())),
			slog.Int("sent", sent),
			slog.Int("targets", len(targets)),
		)
	}
	return sent
}

// Reply sends msg to a single connection.
func (b *Broadcaster) Reply(ctx context.Context, c Conn, msg Outbound) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.Send(data); err != nil {
		b.logger.WarnContext(ctx, "reply delivery failed",
			slog.String("kind", string(msg.Kind())),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
