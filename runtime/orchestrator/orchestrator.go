// Package orchestrator drives conversations: it owns the per-connection state
// machine that multiplexes streaming model output, tool execution, and
// template-driven widget flows over one client channel. Conversation state is
// persisted through the event-sourced aggregate; everything else in a session
// is in-memory and dies with the connection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/agentdef"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
	"github.com/agentgate/agentgate/runtime/toolexec"
)

var (
	errSessionClosed = gwerrors.New(gwerrors.KindInvalidState, "session closed")
	errTurnInFlight  = gwerrors.New(gwerrors.KindInvalidState, "another turn is in flight")
)

type (
	// ToolAccess resolves the caller's visible tool set. *catalog.Resolver
	// implements it.
	ToolAccess interface {
		AccessibleTools(ctx context.Context, claims auth.Claims) ([]*catalog.Tool, error)
	}

	// ToolExecutor dispatches one tool call. *toolexec.Pipeline implements it.
	ToolExecutor interface {
		Execute(ctx context.Context, req toolexec.Request) (*toolexec.Result, error)
	}

	// ModelSelector returns the chat client for a model identifier. An empty
	// id selects the deployment default.
	ModelSelector interface {
		Client(modelID string) (model.Client, error)
	}

	// Config bounds the reactive loop and turn lifetimes.
	Config struct {
		// MaxContextMessages caps the prompt history; the system prompt and
		// the most recent messages are retained.
		MaxContextMessages int
		// MaxIterations bounds model round-trips per user turn.
		MaxIterations int
		// MaxToolCallsPerIteration bounds dispatches per model response.
		MaxToolCallsPerIteration int
		// TurnTimeout bounds one full user turn including tool calls.
		TurnTimeout time.Duration
		// StopOnError ends the turn in ERROR on the first failed tool call.
		// Agent definitions override it per definition.
		StopOnError bool
	}

	// Options configures the orchestrator.
	Options struct {
		Repository *eventstore.Repository
		Access     ToolAccess
		Executor   ToolExecutor
		Models     ModelSelector
		Config     Config
	}

	// Orchestrator is the conversation engine. One instance serves all
	// sessions of a replica.
	Orchestrator struct {
		repo     *eventstore.Repository
		access   ToolAccess
		executor ToolExecutor
		models   ModelSelector
		cfg      Config
	}
)

func (c Config) withDefaults() Config {
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = 50
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxToolCallsPerIteration <= 0 {
		c.MaxToolCallsPerIteration = 5
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	return c
}

// New builds the orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Repository == nil {
		return nil, errors.New("event repository is required")
	}
	if opts.Models == nil {
		return nil, errors.New("model selector is required")
	}
	return &Orchestrator{
		repo:     opts.Repository,
		access:   opts.Access,
		executor: opts.Executor,
		models:   opts.Models,
		cfg:      opts.Config.withDefaults(),
	}, nil
}

// OpenSession binds a connection to a conversation: it loads or creates the
// aggregate, resolves the agent definition and template, computes the
// caller's tool list, and emits the opening events. A proactive definition
// (template with agent_starts_first) begins presenting immediately; a
// conversation reloaded mid-flow re-emits its in-progress widget.
func (o *Orchestrator) OpenSession(ctx context.Context, claims auth.Claims, callerToken, conversationID, agentDefID string, sink stream.Sink) (*Session, error) {
	userID := claims.Subject()
	if userID == "" {
		return nil, gwerrors.New(gwerrors.KindUnauthorized, "token has no subject")
	}

	s := &Session{
		ConnectionID: "conn_" + uuid.NewString(),
		UserID:       userID,
		Claims:       claims,
		CallerToken:  callerToken,
		sink:         sink,
		state:        StateInitializing,
	}

	create := conversationID == ""
	if create {
		conversationID = "conv_" + uuid.NewString()
	}
	s.ConversationID = conversationID

	var (
		def  *agentdef.Definition
		tmpl *template.Template
	)
	if !create {
		conv := conversation.New(conversationID)
		if _, err := o.repo.Load(ctx, conv); err != nil {
			return nil, err
		}
		if conv.Deleted {
			return nil, gwerrors.Newf(gwerrors.KindNotFound, "conversation %s not found", conversationID)
		}
		if conv.UserID != userID {
			return nil, gwerrors.New(gwerrors.KindForbidden, "conversation belongs to another user")
		}
		if agentDefID == "" {
			agentDefID = conv.AgentDefID
		}
		s.conv = conv
	}

	if agentDefID != "" {
		loaded, err := o.loadDefinition(ctx, agentDefID)
		if err != nil {
			return nil, err
		}
		if !loaded.AllowsUser(userID, claims.Roles(), claims.Scopes()) {
			return nil, gwerrors.Newf(gwerrors.KindForbidden, "definition %s does not allow this user", agentDefID)
		}
		def = loaded
		if def.TemplateID != "" {
			t, err := o.loadTemplate(ctx, def.TemplateID)
			if err != nil {
				return nil, gwerrors.Wrap(gwerrors.KindInvalidState,
					fmt.Sprintf("definition %s references template %s", agentDefID, def.TemplateID), err)
			}
			tmpl = t
		}
	}
	s.Definition = def
	s.Template = tmpl

	if o.access != nil {
		tools, err := o.access.AccessibleTools(ctx, claims)
		if err != nil {
			return nil, err
		}
		s.Tools = filterTools(tools, def)
	}

	if create {
		conv := conversation.New(conversationID)
		templateID := ""
		if tmpl != nil {
			templateID = tmpl.ID
		}
		systemPrompt := ""
		if def != nil {
			systemPrompt = def.SystemPrompt
		}
		if _, err := o.repo.Execute(ctx, conv, true, o.meta(s), func() ([]eventstore.Change, error) {
			return conv.Start(userID, agentDefID, templateID, systemPrompt)
		}); err != nil {
			return nil, err
		}
		s.conv = conv
	}

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventStreamStarted,
		ConversationID: s.ConversationID,
		Payload:        stream.StreamStartedPayload{ConversationID: s.ConversationID, RequestID: s.ConnectionID},
	}); err != nil {
		return nil, err
	}

	switch {
	case s.conv.PendingAction != nil:
		// Mid-flow reload: restore item progress and replay the widget so the
		// client can answer it again.
		if err := o.resumePendingWidget(ctx, s); err != nil {
			return nil, err
		}
	case tmpl != nil && tmpl.AgentStartsFirst && create:
		if tmpl.ItemCount() == 0 {
			// Nothing to present; the conversation completes on open.
			if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
				return c.Complete("")
			}); err != nil {
				return nil, err
			}
			if err := s.transition(ctx, StateCompleted); err != nil {
				return nil, err
			}
			break
		}
		if err := s.transition(ctx, StatePresenting); err != nil {
			return nil, err
		}
		if err := o.startFlow(ctx, s); err != nil {
			return nil, err
		}
	default:
		if err := s.transition(ctx, StateReady); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SendUserMessage appends the user's text and runs the reactive loop until
// the model yields a final answer or a bound is hit. Events flow to the
// session sink; the returned error reflects turn-fatal failures only.
func (o *Orchestrator) SendUserMessage(ctx context.Context, s *Session, text string) error {
	if text == "" {
		return gwerrors.New(gwerrors.KindValidation, "message text is required")
	}
	if err := s.transition(ctx, StateProcessing); err != nil {
		return err
	}
	requestID := "req_" + uuid.NewString()
	turnCtx, cancel, err := s.beginTurn(ctx, requestID, o.cfg.TurnTimeout)
	if err != nil {
		_ = s.transition(ctx, StateReady)
		return err
	}
	defer cancel()
	defer s.endTurn()

	if err := o.updateConversation(turnCtx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.AddMessage("", conversation.RoleUser, text, conversation.MessageCompleted)
	}); err != nil {
		_ = s.transition(ctx, StateReady)
		return err
	}
	return o.runReactive(turnCtx, s)
}

// SubmitWidgetResponse resolves the pending widget with the user's value and
// advances the template flow. It rejects submissions unless the session is
// suspended on exactly that widget.
func (o *Orchestrator) SubmitWidgetResponse(ctx context.Context, s *Session, widgetID, value string) error {
	if s.State() != StateSuspended {
		return gwerrors.New(gwerrors.KindInvalidState, "no widget response expected")
	}
	if action := s.clientAction(); action != nil {
		if action.widgetID != widgetID {
			return gwerrors.Newf(gwerrors.KindInvalidState, "widget %s is not the pending widget", widgetID)
		}
		return o.resolveClientAction(ctx, s, action, value)
	}
	pending, ok := s.pendingWidgetID()
	if !ok || pending != widgetID {
		return gwerrors.Newf(gwerrors.KindInvalidState, "widget %s is not the pending widget", widgetID)
	}

	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		if c.PendingAction != nil && c.PendingAction.WidgetID == widgetID {
			return c.ReceiveClientResponse(widgetID, value)
		}
		return nil, nil
	}); err != nil {
		return err
	}
	s.resolveWidget(widgetID, value, false)

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetResponseAck,
		ConversationID: s.ConversationID,
		Payload:        stream.WidgetResponseAckPayload{ContentID: widgetID, Accepted: true},
	}); err != nil {
		return err
	}

	if !s.itemSettled() {
		return o.requestNextWidget(ctx, s)
	}
	s.stopItemTimer()
	return o.settleItem(ctx, s)
}

// Cancel flags the in-flight turn identified by requestID. The streaming
// loop observes the flag at the next chunk boundary and emits the terminal
// cancelled event.
func (o *Orchestrator) Cancel(s *Session, requestID string) bool {
	return s.requestCancel(requestID)
}

// Pause suspends a session that is idle or presenting.
func (o *Orchestrator) Pause(ctx context.Context, s *Session) error {
	s.mu.Lock()
	s.resumeState = s.state
	s.mu.Unlock()
	return s.transition(ctx, StatePaused)
}

// Resume returns a paused session to the state it was paused from.
func (o *Orchestrator) Resume(ctx context.Context, s *Session) error {
	s.mu.Lock()
	target := s.resumeState
	s.mu.Unlock()
	if target != StateReady && target != StatePresenting {
		target = StateReady
	}
	return s.transition(ctx, target)
}

// CloseSession releases the session. An active turn is cancelled first.
func (o *Orchestrator) CloseSession(ctx context.Context, s *Session) error {
	s.requestCancel("")
	s.stopItemTimer()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.sink.Close(ctx)
}

func (o *Orchestrator) loadDefinition(ctx context.Context, id string) (*agentdef.Definition, error) {
	def := agentdef.New(id)
	if _, err := o.repo.Load(ctx, def); err != nil {
		return nil, err
	}
	if def.Deleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "definition %s not found", id)
	}
	return def, nil
}

func (o *Orchestrator) loadTemplate(ctx context.Context, id string) (*template.Template, error) {
	tmpl := template.New(id)
	if _, err := o.repo.Load(ctx, tmpl); err != nil {
		return nil, err
	}
	if tmpl.Deleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "template %s not found", id)
	}
	return tmpl, nil
}

// updateConversation runs one command against a freshly replayed aggregate
// and swaps the session snapshot on success.
func (o *Orchestrator) updateConversation(ctx context.Context, s *Session, fn func(c *conversation.Conversation) ([]eventstore.Change, error)) error {
	conv := conversation.New(s.ConversationID)
	if _, err := o.repo.Execute(ctx, conv, false, o.meta(s), func() ([]eventstore.Change, error) {
		return fn(conv)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()
	return nil
}

func (o *Orchestrator) meta(s *Session) eventstore.Metadata {
	return eventstore.Metadata{UserID: s.UserID, CorrelationID: s.ConnectionID}
}

func (o *Orchestrator) emit(ctx context.Context, s *Session, event stream.Event) error {
	return s.sink.Send(ctx, event)
}

// emitError sends the terminal error event and moves the session to ERROR.
func (o *Orchestrator) emitError(ctx context.Context, s *Session, err error) error {
	log.Error(ctx, err, log.KV{K: "conversation_id", V: s.ConversationID})
	_ = o.emit(ctx, s, stream.Event{
		Type:           stream.EventError,
		ConversationID: s.ConversationID,
		Payload:        stream.ErrorPayloadFor(err),
	})
	_ = s.transition(ctx, StateError)
	return err
}

// emitCancelled sends the terminal cancelled event and returns the session
// to READY so the user can continue.
func (o *Orchestrator) emitCancelled(ctx context.Context, s *Session) error {
	s.mu.Lock()
	requestID := s.requestID
	s.mu.Unlock()
	_ = o.emit(ctx, s, stream.Event{
		Type:           stream.EventCancelled,
		ConversationID: s.ConversationID,
		Payload:        stream.CancelledPayload{RequestID: requestID},
	})
	return s.transition(ctx, StateReady)
}

// filterTools applies the definition's tool allow-list. An empty allow-list
// exposes every accessible tool.
func filterTools(tools []*catalog.Tool, def *agentdef.Definition) []*catalog.Tool {
	if def == nil || len(def.ToolIDs) == 0 {
		return tools
	}
	allowed := make(map[string]struct{}, len(def.ToolIDs))
	for _, id := range def.ToolIDs {
		allowed[id] = struct{}{}
	}
	kept := tools[:0:0]
	for _, t := range tools {
		if _, ok := allowed[t.ID]; ok {
			kept = append(kept, t)
		}
	}
	return kept
}
