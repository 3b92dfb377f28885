// Package api implements the HTTP API: chat turns, teaching facts,
// conversation history, persona selection and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synthia-ai/synthia/internal/agent"
	"github.com/synthia-ai/synthia/internal/buildinfo"
	"github.com/synthia-ai/synthia/internal/connwatch"
	"github.com/synthia-ai/synthia/internal/events"
	"github.com/synthia-ai/synthia/internal/facts"
	"github.com/synthia-ai/synthia/internal/memory"
	"github.com/synthia-ai/synthia/internal/persona"
)

// StatusClientClosedRequest is written when the caller went away before
// the turn finished.
const StatusClientClosedRequest = 499

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner runs one conversation turn.
type TurnRunner interface {
	Turn(ctx context.Context, conversationID, userText string) (*agent.Result, error)
}

// FactStore is the long-term memory the API teaches and lists.
type FactStore interface {
	Insert(ctx context.Context, text string) (uuid.UUID, error)
	List() []facts.Fact
	Count() int
}

// HealthReporter summarizes the reachability of external services.
type HealthReporter interface {
	Report() connwatch.Report
}

// PersonaState persists the default persona across restarts.
type PersonaState interface {
	SaveDefaultPersona(ctx context.Context, key string) error
}

// Deps are the collaborators the server exposes. Bus, Health and
// PersonaState may be nil.
type Deps struct {
	Turns        TurnRunner
	Facts        FactStore
	Store        memory.Store
	Personas     *persona.Registry
	PersonaState PersonaState
	Health       HealthReporter
	Bus          *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	turns    TurnRunner
	facts    FactStore
	store    memory.Store
	personas *persona.Registry
	state    PersonaState
	health   HealthReporter
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		turns:    deps.Turns,
		facts:    deps.Facts,
		store:    deps.Store,
		personas: deps.Personas,
		state:    deps.PersonaState,
		health:   deps.Health,
		bus:      deps.Bus,
		logger:   logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("POST /v1/facts", s.handleFactCreate)
	mux.HandleFunc("GET /v1/facts", s.handleFactList)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("PUT /v1/conversations/{id}/persona", s.handleConversationPersona)

	mux.HandleFunc("GET /v1/personas", s.handlePersonaList)
	mux.HandleFunc("PUT /v1/personas/default", s.handlePersonaDefault)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turns can run several model calls; WriteTimeout stays off and
		// each turn is bounded by the orchestrator's own timeouts.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the WebSocket upgrader reach
// the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Synthia",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

// handleHealth always answers 200 while the process is up; a degraded
// report means turns may fail or fall back.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": connwatch.StatusHealthy}, s.logger)
		return
	}
	writeJSON(w, s.health.Report(), s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// decodeBody decodes a bounded JSON body into v, writing a 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Chat ---

// SimpleChatRequest is the body of POST /v1/chat.
type SimpleChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// SimpleChatResponse is the reply to POST /v1/chat.
type SimpleChatResponse struct {
	Response       string          `json:"response"`
	Model          string          `json:"model"`
	ConversationID string          `json:"conversation_id"`
	PersonaMode    string          `json:"persona_mode"`
	Message        *memory.Message `json:"message"`
	ToolCalls      []string        `json:"tool_calls,omitempty"`
	Facts          int             `json:"facts_used"`
	Fallback       bool            `json:"fallback,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req SimpleChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = agent.DefaultConversationID
	}

	res, err := s.turns.Turn(r.Context(), convID, req.Message)
	if err != nil {
		s.writeTurnError(w, err)
		return
	}

	var calls []string
	for _, inv := range res.Invocations {
		calls = append(calls, inv.ToolName)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SimpleChatResponse{
		Response:       res.Message.Content,
		Model:          res.Model,
		ConversationID: convID,
		PersonaMode:    res.PersonaMode,
		Message:        res.Message,
		ToolCalls:      calls,
		Facts:          len(res.Facts),
		Fallback:       res.Fallback,
	}, s.logger)
}

// turnErrorStatus maps orchestrator failures to HTTP status codes.
func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, agent.ErrGatewayFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	code := turnErrorStatus(err)
	switch code {
	case StatusClientClosedRequest:
		s.logger.Debug("chat cancelled by client", "error", err)
		w.WriteHeader(code)
		return
	case http.StatusBadRequest:
		s.errorResponse(w, code, err.Error())
		return
	}
	s.logger.Error("turn failed", "status", code, "error", err)
	msg := "internal error"
	if code == http.StatusBadGateway {
		msg = "language model unavailable"
	} else if errors.Is(err, agent.ErrPersistence) {
		msg = "could not save conversation"
	}
	s.errorResponse(w, code, msg)
}

// --- Facts ---

type factRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleFactCreate(w http.ResponseWriter, r *http.Request) {
	var req factRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	id, err := s.facts.Insert(r.Context(), req.Text)
	switch {
	case errors.Is(err, facts.ErrEmptyFact):
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	case errors.Is(err, facts.ErrDimensionMismatch):
		s.logger.Error("fact rejected", "error", err)
		s.errorResponse(w, http.StatusConflict, "embedding dimension does not match the index")
		return
	case err != nil:
		s.logger.Error("teach fact failed", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "could not embed fact")
		return
	}

	s.bus.Emit(events.SourceFacts, events.KindFactTaught, map[string]any{
		"fact_id": id.String(),
		"chars":   len(req.Text),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": id.String()}, s.logger)
}

func (s *Server) handleFactList(w http.ResponseWriter, r *http.Request) {
	list := s.facts.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(list),
		"facts": list,
	}, s.logger)
}

// --- Conversations ---

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []memory.Conversation{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("get conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("load messages failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	}, s.logger)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleConversationPersona(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req modeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	// An empty mode unpins the conversation so it follows the default.
	if req.Mode != "" {
		if _, ok := s.personas.Snapshot().Mode(req.Mode); !ok {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown persona mode %q", req.Mode))
			return
		}
	}
	if err := s.store.SetPersonaMode(r.Context(), id, req.Mode); err != nil {
		s.logger.Error("set persona mode failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to set persona mode")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"conversation_id": id, "mode": req.Mode}, s.logger)
}

// --- Personas ---

func (s *Server) handlePersonaList(w http.ResponseWriter, r *http.Request) {
	cat := s.personas.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"default": cat.DefaultKey(),
		"modes":   cat.Modes(),
	}, s.logger)
}

func (s *Server) handlePersonaDefault(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.personas.SetDefault(req.Mode); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("default persona changed", "mode", req.Mode)
	if s.state != nil {
		if err := s.state.SaveDefaultPersona(r.Context(), req.Mode); err != nil {
			s.logger.Warn("default persona not persisted", "mode", req.Mode, "error", err)
		}
	}
	s.bus.Emit(events.SourcePersona, events.KindDefaultPersona, map[string]any{"mode": req.Mode})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"default": req.Mode}, s.logger)
}
