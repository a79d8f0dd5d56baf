package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/wricardo/collabcode/collab/events"
	"github.com/wricardo/collabcode/collab/session"
	"github.com/wricardo/collabcode/transport/websocket"
)

// Server represents the REST API server
type Server struct {
	store  *session.Manager
	hub    *websocket.Hub
	events events.Publisher
	logger *slog.Logger
	router *mux.Router
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Logger *slog.Logger
	Events events.Publisher
}

// NewServer creates a new API server
func NewServer(store *session.Manager, hub *websocket.Hub, opts Options) *Server {
	s := &Server{
		store:  store,
		hub:    hub,
		events: opts.Events,
		logger: opts.Logger,
		router: mux.NewRouter(),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Session management
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/snapshot", s.handleGetSnapshot).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	// Static files (if needed)
	s.router.PathPrefix("/").Handler(http.FileServer(http.Dir("./static/")))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    s.store.Count(),
		"connections": s.hub.ConnectionCount(),
	})
}

// Session Handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitialCode string `json:"initialCode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, _, err := s.store.GetOrCreate("", req.InitialCode)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to create session", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	s.logger.InfoContext(r.Context(), "session created over REST", slog.String("session_id", sess.ID()))
	s.publish(r.Context(), events.Event{Type: events.SessionCreated, SessionID: sess.ID()})

	respondJSON(w, http.StatusCreated, map[string]string{"sessionId": sess.ID()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := make([]session.Info, 0, s.store.Count())
	for _, sess := range s.store.List() {
		info, err := sess.Info()
		if err != nil {
			// Evicted while listing.
			continue
		}
		sessions = append(sessions, info)
	}

	query := r.URL.Query()
	order := query.Get("order") // "asc", "desc" (default: "desc")
	if order == "" {
		order = "desc"
	}

	sort.Slice(sessions, func(i, j int) bool {
		ti, tj := sessions[i].CreatedAt, sessions[j].CreatedAt
		if ti.Equal(tj) {
			return sessions[i].ID < sessions[j].ID
		}
		if order == "asc" {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	total := len(sessions)
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l < len(sessions) {
		sessions = sessions[:l]
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"total":    total,
		"sessions": sessions,
		"order":    order,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	info, err := sess.Info()
	if err != nil {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": info.ID,
		"userCount": info.UserCount,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	snap, err := sess.Snapshot()
	if err != nil {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":    snap.ID,
		"code":         snap.Document,
		"users":        snap.Participants,
		"chatMessages": snap.ChatLog,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) publish(ctx context.Context, ev events.Event) {
	ev.At = time.Now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", slog.Any("error", err))
	}
}
