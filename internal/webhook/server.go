package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/gateway"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/orchestrator"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Conversations is the boundary the server exposes over HTTP.
type Conversations interface {
	StartConversation(ctx context.Context, agentID types.AgentID, party types.PartyRef) (*types.Conversation, bool, error)
	PostInboundMessage(ctx context.Context, id types.ConversationID, text string) (*types.TurnResult, error)
	CloseConversation(ctx context.Context, id types.ConversationID) error
	Messages(ctx context.Context, id types.ConversationID) ([]*types.Message, error)
}

const defaultMaxBody = 64 << 10

// Server is the HTTP handler for the conversation API.
type Server struct {
	conversations Conversations
	health        func(context.Context) error
	maxBody       int64
	logger        *slog.Logger
	mux           *http.ServeMux
}

type Option func(*Server)

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET /metrics", h) }
}

// WithHealthCheck makes GET /health report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(conversations Conversations, opts ...Option) *Server {
	s := &Server{
		conversations: conversations,
		maxBody:       defaultMaxBody,
		logger:        slog.Default(),
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/conversations", s.handleStart)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.handlePost)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("POST /api/conversations/{id}/close", s.handleClose)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startRequest is the JSON body for POST /api/conversations.
type startRequest struct {
	AgentID string         `json:"agent_id"`
	Party   types.PartyRef `json:"party"`
}

type startResponse struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	Created        bool                 `json:"created"`
	Conversation   *types.Conversation  `json:"conversation"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	conv, created, err := s.conversations.StartConversation(r.Context(), types.AgentID(req.AgentID), req.Party)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, startResponse{ConversationID: conv.ID, Created: created, Conversation: conv})
}

// messageRequest is the JSON body for POST /api/conversations/{id}/messages.
type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.conversations.PostInboundMessage(r.Context(), types.ConversationID(r.PathValue("id")), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.ToolCalls == nil {
		res.ToolCalls = []*types.ToolCall{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.conversations.Messages(r.Context(), types.ConversationID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.CloseConversation(r.Context(), types.ConversationID(r.PathValue("id"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// StatusFor maps a boundary error to its HTTP status. retryAfter is set
// for errors the caller should retry.
func StatusFor(err error) (status int, retryAfter bool) {
	var terr *orchestrator.TurnError
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		return http.StatusBadRequest, false
	case errors.Is(err, types.ErrAgentNotFound), errors.Is(err, types.ErrConversationNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, types.ErrConversationClosed), errors.Is(err, types.ErrAgentDisabled):
		return http.StatusConflict, false
	case errors.Is(err, gateway.ErrQueueFull), errors.Is(err, gateway.ErrQueueStopped):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	case errors.As(err, &terr) && terr.Retryable:
		return http.StatusServiceUnavailable, true
	}
	return http.StatusInternalServerError, false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retry := StatusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if retry {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
