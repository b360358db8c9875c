// Package devserver is a self-contained messaging server speaking the REST,
// WebSocket and SSE protocols the msgsync clients use. It backs local
// development, demos and end-to-end tests.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

// Config tunes the server. Zero values use defaults.
type Config struct {
	// HeartbeatInterval is the SSE comment interval.
	HeartbeatInterval time.Duration
	// SendBuffer bounds queued frames per WebSocket client; a client that
	// falls behind is disconnected.
	SendBuffer int
	Logger     *zap.Logger
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 128
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Server serves a Backend over HTTP and fans hub events out to push clients.
// The bearer token of a request is the caller's user id.
type Server struct {
	backend msgsync.Backend
	hub     *msgsync.MemoryHub
	cfg     Config
	log     *zap.Logger
	mux     *http.ServeMux
}

// New creates a server. The backend is expected to publish its push events
// to hub.
func New(backend msgsync.Backend, hub *msgsync.MemoryHub, cfg *Config) *Server {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	s := &Server{backend: backend, hub: hub, cfg: c, log: c.Logger.Named("devserver"), mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /api/conversations", s.listConversations)
	s.mux.HandleFunc("POST /api/conversations/direct", s.directConversation)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.listMessages)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.sendMessage)
	s.mux.HandleFunc("POST /api/conversations/{id}/read", s.markRead)
	s.mux.HandleFunc("GET /api/users/{id}", s.lookupUser)
	s.mux.HandleFunc("GET /ws", s.serveWS)
	s.mux.HandleFunc("GET /sse", s.serveSSE)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{"status": "ok"})
	})
	return s
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.mux.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// ============================================================================
// Envelope helpers
// ============================================================================

type envelope struct {
	OK    bool              `json:"ok"`
	Data  any               `json:"data,omitempty"`
	Error *msgsync.APIError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &msgsync.APIError{Code: code, Message: message}})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, msgsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgsync.CodeNotFound, err.Error())
		return
	}
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, msgsync.CodeInternal, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, msgsync.CodeBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

// bearer returns the caller's user id from the Authorization header or the
// token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, msgsync.CodeBadRequest, "userId is required")
		return
	}
	list, err := s.backend.FetchConversations(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []msgsync.ConversationSummary{}
	}
	writeData(w, list)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.backend.FetchMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []msgsync.Message{}
	}
	writeData(w, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req msgsync.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, msgsync.CodeBadRequest, "senderId and content are required")
		return
	}
	m, err := s.backend.SendMessage(r.Context(), r.PathValue("id"), req.SenderID, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, m)
}

func (s *Server) directConversation(w http.ResponseWriter, r *http.Request) {
	var req msgsync.DirectConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, msgsync.CodeBadRequest, "userId and peerId are required")
		return
	}
	id, err := s.backend.FindOrCreateConversation(r.Context(), req.UserID, req.PeerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, msgsync.DirectConversationResponse{ID: id})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req msgsync.MarkReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.backend.MarkRead(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, nil)
}

func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request) {
	p, err := s.backend.LookupUser(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, p)
}
