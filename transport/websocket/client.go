package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Client is one browser connection.
type Client struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	monitor    *Monitor

	writeWait    time.Duration
	pingInterval time.Duration
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Send queues data for the write pump. It never blocks. A client whose
// queue is full has fallen behind for good, so it is closed and must rejoin
// to get a fresh snapshot.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close shuts the connection down. It is safe to call more than once and
// from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.monitor != nil {
			c.monitor.Stop()
		}
		c.conn.Close()
	})
}

// readPump feeds inbound envelopes to handle, one at a time and in order,
// until the connection fails. It returns after the connection is closed.
func (c *Client) readPump(ctx context.Context, maxMessageSize int64, logger *slog.Logger, handle func([]byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.monitor.PongReceived()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.InfoContext(ctx, "websocket read failed", slog.Any("error", err))
			}
			return
		}
		handle(message)
	}
}

// writePump drains the send queue and issues transport pings.
func (c *Client) writePump(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			// One envelope per frame; clients parse each frame as a single JSON value.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.DebugContext(ctx, "websocket write failed", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.monitor.PingSent()

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
