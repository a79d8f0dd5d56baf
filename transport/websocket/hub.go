package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wricardo/collabcode/collab/config"
	"github.com/wricardo/collabcode/collab/events"
	"github.com/wricardo/collabcode/collab/session"
	"github.com/wricardo/collabcode/internal/logctx"
)

// Options carries the optional collaborators of a Hub.
type Options struct {
	Logger *slog.Logger
	Events events.Publisher
}

// Hub accepts WebSocket connections and runs them against a session store.
type Hub struct {
	store       *session.Manager
	registry    *Registry
	broadcaster *Broadcaster
	router      *Router
	events      events.Publisher
	cfg         config.Config
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// NewHub creates a hub serving store.
func NewHub(store *session.Manager, cfg config.Config, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.Nop{}
	}

	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, logger)

	h := &Hub{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		router:      NewRouter(store, registry, broadcaster, publisher, logger),
		events:      publisher,
		cfg:         cfg,
		logger:      logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Origins()),
	}
	return h
}

// originChecker allows every origin when allowed is empty. Requests without
// an Origin header come from non-browser clients and are accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &Client{
		id:           uuid.NewString(),
		remoteAddr:   r.RemoteAddr,
		conn:         conn,
		send:         make(chan []byte, h.cfg.SendBuffer),
		done:         make(chan struct{}),
		writeWait:    h.cfg.WriteWait,
		pingInterval: h.cfg.PingInterval,
	}
	client.monitor = NewMonitor(h.cfg.PongTimeout, func() {
		h.logger.Info("connection missed heartbeat", slog.String("conn_id", client.id))
		client.Close()
	})

	// The request context ends when the handler returns, which it does not
	// until the connection closes.
	ctx := logctx.WithConnData(context.WithoutCancel(r.Context()), &logctx.ConnData{
		ConnID:     client.id,
		RemoteAddr: client.remoteAddr,
	})

	h.registry.Add(client)
	h.logger.InfoContext(ctx, "connection opened", slog.Int("connections", h.registry.Len()))

	go client.writePump(ctx, h.logger)
	client.readPump(ctx, h.cfg.MaxMessageBytes, h.logger, func(data []byte) {
		h.router.Handle(ctx, client, data)
	})

	h.router.Disconnect(ctx, client)
	h.logger.InfoContext(ctx, "connection closed", slog.Int("connections", h.registry.Len()))
}

// Run sweeps sessions that were created but never held a participant. It
// blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.JanitorInterval <= 0 || h.cfg.EmptySessionTTL <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	removed := h.store.CleanupIdle(h.cfg.EmptySessionTTL)
	for _, id := range removed {
		if err := h.events.Publish(ctx, events.Event{Type: events.SessionEvicted, SessionID: id, At: time.Now()}); err != nil {
			h.logger.WarnContext(ctx, "failed to publish event", slog.Any("error", err))
		}
	}
	if len(removed) > 0 {
		h.logger.InfoContext(ctx, "evicted idle sessions", slog.Int("count", len(removed)), slog.Int("remaining", h.store.Count()))
	}
}

// Shutdown closes every live connection. Their departures run as the read
// loops exit.
func (h *Hub) Shutdown() {
	for _, c := range h.registry.All() {
		if cl, ok := c.(*Client); ok {
			cl.Close()
		}
	}
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int { return h.registry.Len() }
