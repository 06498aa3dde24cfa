package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mooring-dev/mooring/internal/conversation"
)

// Orchestrator is the conversation lifecycle engine the API fronts.
// Satisfied by *orchestrator.Orchestrator.
type Orchestrator interface {
	CreateConversation(ctx context.Context, req conversation.CreateRequest, userID *string) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListByParent(ctx context.Context, parentID string) ([]*conversation.Conversation, error)
	StopConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	MarkUnreachable(ctx context.Context, id, reason string) error
	BridgeRegistry
}

type Server struct {
	router *chi.Mux
	orch   Orchestrator
	logger *slog.Logger
	port   int
	token  string

	httpServer *http.Server
}

func NewServer(port int, token string, orch Orchestrator, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		orch:   orch,
		logger: logger,
		port:   port,
		token:  token,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/mooring/status", s.status)

	router.Route("/api/v1/conversations", func(r chi.Router) {
		if token != "" {
			r.Use(s.requireToken)
		}
		r.Post("/", s.createConversation)
		r.Get("/", s.listConversations)
		r.Get("/{id}", s.getConversation)
		r.Post("/{id}/stop", s.stopConversation)
		r.Get("/{id}/channel", s.openChannel)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireToken is bearer-token auth, enabled when MOORING_API_TOKEN is set.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "mooring",
		"status":  "ok",
	})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var userID *string
	if v := r.Header.Get("X-User-ID"); v != "" {
		userID = &v
	}

	conv, err := s.orch.CreateConversation(r.Context(), req, userID)
	if err != nil {
		var ve *conversation.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, conversation.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			s.logger.Error("create conversation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.orch.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent_id")
	if parentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id query parameter is required")
		return
	}
	convs, err := s.orch.ListByParent(r.Context(), parentID)
	if err != nil {
		s.logger.Error("list conversations failed", "parent_id", parentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) stopConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.orch.StopConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("stop conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
