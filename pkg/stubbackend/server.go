// Package stubbackend is an in-process stand-in for the widget backend. It serves the HTTP
// endpoints the widget calls and a websocket-only Socket.IO endpoint that emits typing and
// message events, so the widget can be exercised end to end without the real agent platform.
package stubbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/api"
	"github.com/go-go-golems/chatwidget/pkg/chat"
)

// Agent is a backend agent the stub knows about.
type Agent struct {
	ID          string
	WorkspaceID string
	Secret      string
	Name        string
	Colors      api.OutlineColors
}

// Responder produces the assistant reply for a visitor prompt.
type Responder func(ctx context.Context, agentID string, req api.ConversationRequest) (string, error)

// EchoResponder answers with the prompt quoted back.
func EchoResponder(_ context.Context, _ string, req api.ConversationRequest) (string, error) {
	return "You said: " + req.Prompt, nil
}

type Options struct {
	AdminAPIKey   string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	IdleTimeout   time.Duration
	AssistantName string
	Responder     Responder
}

type Option func(*Options)

func WithAdminAPIKey(k string) Option          { return func(o *Options) { o.AdminAPIKey = k } }
func WithPing(interval, timeout time.Duration) Option {
	return func(o *Options) { o.PingInterval, o.PingTimeout = interval, timeout }
}
func WithIdleTimeout(d time.Duration) Option { return func(o *Options) { o.IdleTimeout = d } }
func WithResponder(r Responder) Option       { return func(o *Options) { o.Responder = r } }
func WithAssistantName(n string) Option      { return func(o *Options) { o.AssistantName = n } }

// SentRecord is one conversation send the stub accepted or rejected.
type SentRecord struct {
	AgentID        string
	IdempotencyKey string
	Request        api.ConversationRequest
	Rejected       bool
}

type sendFailure struct {
	status  int
	message string
}

type Server struct {
	opts Options

	mu         sync.Mutex
	agents     map[string]Agent
	refs       map[string]string
	profiles   map[string]api.Profile
	avatars    map[string]string
	rooms      map[string]*room
	sent       []SentRecord
	calls      map[string]int
	sendFail   *sendFailure
	rejectSock map[string]bool
}

func New(opts ...Option) *Server {
	o := Options{
		PingInterval:  25 * time.Second,
		PingTimeout:   20 * time.Second,
		IdleTimeout:   time.Minute,
		AssistantName: "Assistant",
		Responder:     EchoResponder,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		opts:       o,
		agents:     map[string]Agent{},
		refs:       map[string]string{},
		profiles:   map[string]api.Profile{},
		avatars:    map[string]string{},
		rooms:      map[string]*room{},
		calls:      map[string]int{},
		rejectSock: map[string]bool{},
	}
}

func (s *Server) AddAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// AddRef registers an opaque reference that decrypts to agentID.
func (s *Server) AddRef(ref, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref] = agentID
}

func (s *Server) AddProfile(token string, p api.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[token] = p
}

func (s *Server) SetWorkspaceAvatar(workspaceID, avatarURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[workspaceID] = avatarURL
}

// FailSends makes every conversation send answer with status and message. A zero status
// restores normal behaviour.
func (s *Server) FailSends(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.sendFail = nil
		return
	}
	s.sendFail = &sendFailure{status: status, message: message}
}

// RejectSockets refuses socket connections for contextID with a CONNECT_ERROR.
func (s *Server) RejectSockets(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSock[contextID] = true
}

func (s *Server) rejectSockets(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectSock[contextID]
}

func (s *Server) Sent() []SentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentRecord(nil), s.sent...)
}

// Calls reports how many times an endpoint (by route pattern name) was hit.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

// Handler returns the chi router serving the HTTP and socket endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", api.AdminKeyHeader, api.IdempotencyKeyHeader},
	}))

	r.Get("/socket.io/", s.handleSocket)
	r.Get("/auth/profile", s.handleProfile)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Get("/chats/new-context-id", s.handleNewContextID)
		r.Post("/agent/conversation", s.handleConversation)
		r.Post("/agent/{agentID}/conversation", s.handleConversation)
		r.Get("/agent/{agentID}/widget-outline-colors", s.handleOutlineColors)
		r.Post("/workspaces/decrypt-agent-ref", s.handleDecrypt)
		r.Post("/workspaces/{workspaceID}/agents/{agentID}/check-secret", s.handleCheckSecret)
		r.Get("/workspaces/{workspaceID}/avatar", s.handleAvatar)
	})

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	return r
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminAPIKey != "" && r.Header.Get(api.AdminKeyHeader) != s.opts.AdminAPIKey {
			writeError(w, http.StatusUnauthorized, "invalid admin api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNewContextID(w http.ResponseWriter, _ *http.Request) {
	s.count("new-context-id")
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(uuid.NewString()))
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	s.count("conversation")
	agentID := chi.URLParam(r, "agentID")

	var req api.ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.ContextID = strings.TrimSpace(req.ContextID)
	if req.ContextID == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "missing contextId or prompt")
		return
	}

	rec := SentRecord{AgentID: agentID, IdempotencyKey: r.Header.Get(api.IdempotencyKeyHeader), Request: req}
	s.mu.Lock()
	fail := s.sendFail
	_, knownAgent := s.agents[agentID]
	rec.Rejected = fail != nil
	s.sent = append(s.sent, rec)
	s.mu.Unlock()

	if fail != nil {
		writeError(w, fail.status, fail.message)
		return
	}
	if agentID != "" && !knownAgent {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	s.converse(r.Context(), agentID, req)
	writeData(w, map[string]any{"status": "accepted"})
}

// converse plays the backend side of one exchange on the context's sockets: the visitor's
// message echoed back, assistant typing, then the reply.
func (s *Server) converse(ctx context.Context, agentID string, req api.ConversationRequest) {
	assistant := s.opts.AssistantName
	s.mu.Lock()
	if a, ok := s.agents[agentID]; ok && a.Name != "" {
		assistant = a.Name
	}
	s.mu.Unlock()

	emit := func(ev chat.Event) {
		if err := s.Emit(req.ContextID, ev); err != nil {
			log.Debug().Err(err).Str("component", "stubbackend").Str("context_id", req.ContextID).Msg("emit skipped")
		}
	}

	emit(chat.MessageReceived(uuid.NewString(), req.Prompt, req.ChatName, chat.RoleUser))
	emit(chat.TypingStarted(chat.RoleAssistant, assistant))

	reply, err := s.opts.Responder(ctx, agentID, req)
	if err != nil {
		emit(chat.TypingStopped())
		emit(chat.MessageReceived(uuid.NewString(), fmt.Sprintf("Sorry, something went wrong: %v", err), "System", chat.RoleSystem))
		return
	}
	emit(chat.MessageReceived(uuid.NewString(), reply, assistant, chat.RoleAssistant))
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	s.count("decrypt-agent-ref")
	var req api.DecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mu.Lock()
	agentID, ok := s.refs[req.Encrypted]
	agent := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid reference")
		return
	}
	writeData(w, api.AgentRef{WorkspaceID: agent.WorkspaceID, AgentID: agent.ID, AgentSecret: agent.Secret})
}

func (s *Server) handleCheckSecret(w http.ResponseWriter, r *http.Request) {
	s.count("check-secret")
	var req api.CheckSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mu.Lock()
	agent, ok := s.agents[chi.URLParam(r, "agentID")]
	s.mu.Unlock()
	if !ok || agent.WorkspaceID != chi.URLParam(r, "workspaceID") {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeData(w, agent.Secret != "" && req.Secret == agent.Secret)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	s.count("avatar")
	s.mu.Lock()
	avatar, ok := s.avatars[chi.URLParam(r, "workspaceID")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	writeData(w, api.AvatarPayload{Avatar: avatar})
}

func (s *Server) handleOutlineColors(w http.ResponseWriter, r *http.Request) {
	s.count("outline-colors")
	s.mu.Lock()
	agent, ok := s.agents[chi.URLParam(r, "agentID")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeData(w, agent.Colors)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.count("profile")
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	s.mu.Lock()
	p, ok := s.profiles[token]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeData(w, p)
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
