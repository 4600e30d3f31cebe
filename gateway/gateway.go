// Package gateway is the HTTP surface in front of the conversation core: the
// streaming chat endpoint, the conversation read side, and the catalog
// control plane. Handlers stay thin; every decision lives in runtime
// packages.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/gateway/config"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/orchestrator"
)

type (
	// TokenVerifier validates raw credentials. *auth.Verifier implements it.
	TokenVerifier interface {
		Verify(ctx context.Context, raw string) (auth.Claims, error)
	}

	// ConversationSummary is one row of the conversation list.
	ConversationSummary struct {
		ID            string `json:"id"`
		Title         string `json:"title,omitempty"`
		Status        string `json:"status"`
		AgentDefID    string `json:"agent_def_id,omitempty"`
		MessageCount  int    `json:"message_count"`
		LastMessageAt string `json:"last_message_at,omitempty"`
		UpdatedAt     string `json:"updated_at"`
	}

	// ConversationLister serves the conversation list from the read model.
	ConversationLister interface {
		ListByUser(ctx context.Context, userID string, limit int) ([]ConversationSummary, error)
	}

	// Options wires the gateway's dependencies.
	Options struct {
		// Orchestrator runs conversations. Required.
		Orchestrator *orchestrator.Orchestrator
		// Catalog is the tool control plane. Required.
		Catalog *catalog.Service
		// Conversations serves listings. Required.
		Conversations ConversationLister
		// Verifier authenticates callers. Required.
		Verifier TokenVerifier
		// Pingers back the health endpoint. Optional.
		Pingers []health.Pinger
		// Config carries the HTTP and rate-limit settings.
		Config *config.Config
	}

	// Gateway holds handler state.
	Gateway struct {
		orch     *orchestrator.Orchestrator
		catalog  *catalog.Service
		convs    ConversationLister
		verifier TokenVerifier
		pingers  []health.Pinger
		cfg      *config.Config
		limiter  *userLimiter
		streams  *streamGuard
		sessions *sessionRegistry
	}
)

// New builds the gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog service is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Gateway{
		orch:     opts.Orchestrator,
		catalog:  opts.Catalog,
		convs:    opts.Conversations,
		verifier: opts.Verifier,
		pingers:  opts.Pingers,
		cfg:      cfg,
		limiter:  newUserLimiter(cfg.RateLimit.RequestsPerMinute),
		streams:  newStreamGuard(cfg.RateLimit.ConcurrentRequests),
		sessions: newSessionRegistry(),
	}, nil
}

// Handler builds the route tree.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", health.Handler(health.NewChecker(g.pingers...)))
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(g.authenticate)
		r.Use(g.rateLimit)

		r.Post("/chat/send", g.handleChatSend)
		r.Post("/chat/cancel/{request_id}", g.handleChatCancel)
		r.Post("/chat/widget/{widget_id}", g.handleWidgetResponse)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", g.handleListConversations)
			r.Get("/{id}", g.handleGetConversation)
			r.Delete("/{id}", g.handleDeleteConversation)
			r.Put("/{id}/rename", g.handleRenameConversation)
			r.Post("/{id}/clear", g.handleClearConversation)
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", g.handleListTools)
			r.Get("/search", g.handleSearchTools)
			r.Get("/{id}", g.handleGetTool)
			r.With(g.requireRole("admin")).Delete("/{id}", g.handleDeleteTool)
			r.With(g.requireRole("admin")).Post("/{id}/enable", g.handleSetToolEnabled(true))
			r.With(g.requireRole("admin")).Post("/{id}/disable", g.handleSetToolEnabled(false))
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", g.handleListSources)
			r.With(g.requireRole("admin")).Post("/", g.handleRegisterSource)
			r.With(g.requireRole("admin")).Post("/{id}/refresh", g.handleRefreshSource)
			r.With(g.requireRole("admin")).Delete("/{id}", g.handleDeleteSource)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", g.handleListGroups)
			r.Get("/{id}", g.handleGetGroup)
			r.With(g.requireRole("admin")).Post("/", g.handleCreateGroup)
			r.With(g.requireRole("admin")).Put("/{id}", g.handleUpdateGroup)
			r.With(g.requireRole("admin")).Delete("/{id}", g.handleDeleteGroup)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", g.handleListPolicies)
			r.With(g.requireRole("admin")).Post("/", g.handleCreatePolicy)
			r.With(g.requireRole("admin")).Put("/{id}", g.handleUpdatePolicy)
			r.With(g.requireRole("admin")).Delete("/{id}", g.handleDeletePolicy)
		})
	})

	return r
}

// sessionRegistry indexes live sessions so cancel and widget submissions can
// reach the connection that owns them.
type sessionRegistry struct {
	mu             sync.RWMutex
	byRequest      map[string]*orchestrator.Session
	byConversation map[string]*orchestrator.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byRequest:      make(map[string]*orchestrator.Session),
		byConversation: make(map[string]*orchestrator.Session),
	}
}

func (r *sessionRegistry) add(s *orchestrator.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRequest[s.ConnectionID] = s
	r.byConversation[s.ConversationID] = s
}

func (r *sessionRegistry) remove(s *orchestrator.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byRequest[s.ConnectionID] == s {
		delete(r.byRequest, s.ConnectionID)
	}
	if r.byConversation[s.ConversationID] == s {
		delete(r.byConversation, s.ConversationID)
	}
}

func (r *sessionRegistry) byRequestID(id string) (*orchestrator.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byRequest[id]
	return s, ok
}

func (r *sessionRegistry) byConversationID(id string) (*orchestrator.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConversation[id]
	return s, ok
}

func logKV(conversationID string) log.KV {
	return log.KV{K: "conversation_id", V: conversationID}
}
